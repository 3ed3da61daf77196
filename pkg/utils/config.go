package utils

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file if one is present. Missing files are fine;
// real env vars always win.
func LoadDotEnv() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTDuration time.Duration
}

func LoadAuthConfig() AuthConfig {
	secret := os.Getenv("CHAPTERHUB_JWT_SECRET")
	if secret == "" {
		// dev default (change for demo / production)
		secret = "dev-secret-change-me"
	}

	issuer := os.Getenv("CHAPTERHUB_JWT_ISSUER")
	if issuer == "" {
		issuer = "chapterhub"
	}

	hours := envInt("CHAPTERHUB_JWT_TTL_HOURS", 24)

	return AuthConfig{
		JWTSecret:   secret,
		JWTIssuer:   issuer,
		JWTDuration: time.Duration(hours) * time.Hour,
	}
}

type ServerConfig struct {
	HTTPAddr   string
	TCPAddr    string
	NotifyAddr string
}

func LoadServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:   envStr("CHAPTERHUB_HTTP_ADDR", ":8080"),
		TCPAddr:    envStr("CHAPTERHUB_TCP_ADDR", ":7070"),
		NotifyAddr: envStr("CHAPTERHUB_NOTIFY_ADDR", ":7071"),
	}
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	LockTTL      time.Duration
}

func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  envInt("CHAPTERHUB_WORKER_CONCURRENCY", 4),
		PollInterval: time.Duration(envInt("CHAPTERHUB_WORKER_POLL_MS", 500)) * time.Millisecond,
		LockTTL:      time.Duration(envInt("CHAPTERHUB_LOCK_TTL_SECONDS", 30)) * time.Second,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
