// Admin CLI: migrations, seeding series and sources, enqueueing chapter
// events, and inspecting the queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"chapterhub/internal/feed"
	"chapterhub/internal/ingest"
	"chapterhub/internal/queue"
	"chapterhub/internal/series"
	"chapterhub/pkg/database"
	"chapterhub/pkg/utils"
)

func main() {
	utils.LoadDotEnv()

	root := &cobra.Command{
		Use:   "chapterhub",
		Short: "chapterhub admin tool",
	}

	root.AddCommand(
		migrateCmd(),
		seriesCmd(),
		enqueueCmd(),
		queueCmd(),
		feedCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Open(database.DefaultConfig())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.Migrate(db); err != nil {
				return err
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}

func seriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Manage series and their sources",
	}

	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Open(database.DefaultConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			repo := series.NewRepo(db)
			s, err := repo.Create(context.Background(), args[0], "")
			if err != nil {
				return err
			}
			fmt.Printf("created series %s (%s)\n", s.ID, s.Title)
			return nil
		},
	}

	addSource := &cobra.Command{
		Use:   "add-source <series-id> <name> [base-url]",
		Short: "Register a scraping source for a series",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Open(database.DefaultConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			baseURL := ""
			if len(args) == 3 {
				baseURL = args[2]
			}
			repo := series.NewRepo(db)
			src, err := repo.AddSource(context.Background(), args[0], args[1], baseURL)
			if err != nil {
				return err
			}
			fmt.Printf("created source %s (%s)\n", src.ID, src.Name)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List series",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Open(database.DefaultConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			repo := series.NewRepo(db)
			items, total, err := repo.List(context.Background(), series.ListQuery{Limit: 50})
			if err != nil {
				return err
			}
			for _, s := range items {
				fmt.Printf("%s  tier=%d  %s\n", s.ID, s.Tier, s.Title)
			}
			fmt.Printf("%d series\n", total)
			return nil
		},
	}

	cmd.AddCommand(add, addSource, list)
	return cmd
}

func enqueueCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a chapter announcement event from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			// Validate up front so a typo fails here, not in the worker.
			ev, err := ingest.ParseEvent(raw)
			if err != nil {
				return err
			}

			db, err := database.Open(database.DefaultConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			q := queue.New(db)
			job := queue.Job{
				ID:      uuid.NewString(),
				Kind:    ingest.KindIngest,
				Payload: raw,
				RunAt:   time.Now(),
			}
			if err := q.Enqueue(context.Background(), job); err != nil {
				return err
			}
			fmt.Printf("enqueued event for series %s chapter %s\n", ev.SeriesID, ev.Key())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the event JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show queue stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Open(database.DefaultConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := queue.New(db).Stats(context.Background())
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func feedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feed <series-id>",
		Short: "Show a series' aggregated feed entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Open(database.DefaultConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := feed.NewRepo(db).Entries(context.Background(), args[0], 50, 0)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("chapter %s (%d sources, updated %s)\n",
					e.Number, len(e.Sources), e.UpdatedAt.Format(time.RFC3339))
				for _, s := range e.Sources {
					fmt.Printf("  - %s %s\n", s.SourceName, s.URL)
				}
			}
			return nil
		},
	}
}
