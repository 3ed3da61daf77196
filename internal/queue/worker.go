package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

type HandlerFunc func(ctx context.Context, job *Job) error

// Worker polls the queue and dispatches jobs by kind. Handler errors
// reschedule the job with backoff; TerminalError (and unknown kinds)
// dead-letter it.
type Worker struct {
	Queue       *Queue
	Handlers    map[string]HandlerFunc
	Poll        time.Duration
	Concurrency int
	Logger      *log.Logger
}

func NewWorker(q *Queue, concurrency int, poll time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Worker{
		Queue:       q,
		Handlers:    make(map[string]HandlerFunc),
		Poll:        poll,
		Concurrency: concurrency,
		Logger:      log.Default(),
	}
}

func (w *Worker) Handle(kind string, fn HandlerFunc) {
	w.Handlers[kind] = fn
}

func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, token, err := w.Queue.Claim(ctx)
		if err != nil {
			w.Logger.Printf("[queue] claim failed: %v", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.Poll):
			}
			continue
		}

		w.dispatch(ctx, job, token)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *Job, token string) {
	fn, ok := w.Handlers[job.Kind]
	if !ok {
		w.Logger.Printf("[queue] no handler for kind %q, dead-lettering %s", job.Kind, job.ID)
		if err := w.Queue.Fail(ctx, job, token, "no handler for kind "+job.Kind, true); err != nil {
			w.Logger.Printf("[queue] dead-letter failed: %v", err)
		}
		return
	}

	if err := fn(ctx, job); err != nil {
		var terminal *TerminalError
		isTerminal := errors.As(err, &terminal)
		w.Logger.Printf("[queue] job %s (%s) failed (attempt %d/%d, terminal=%v): %v",
			job.ID, job.Kind, job.Attempts, job.MaxAttempts, isTerminal, err)
		if err := w.Queue.Fail(ctx, job, token, err.Error(), isTerminal); err != nil {
			w.Logger.Printf("[queue] fail bookkeeping error: %v", err)
		}
		return
	}

	if err := w.Queue.Complete(ctx, job.ID, token); err != nil {
		w.Logger.Printf("[queue] complete failed: %v", err)
	}
}
