package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arborchat/arbor/internal/coord"
)

const (
	// dequeueWait bounds each blocking pop so shutdown is responsive.
	dequeueWait = 2 * time.Second

	// DefaultJobTimeout is the hard ceiling on one generation job.
	DefaultJobTimeout = 10 * time.Minute
)

// Runner is the job-queue consumer: a small worker pool popping the pending
// queue, plus a subscriber that aborts in-flight jobs when a cancellation is
// broadcast for their chat.
type Runner struct {
	coord       coord.Coordinator
	worker      *Worker
	logger      zerolog.Logger
	concurrency int
	jobTimeout  time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc // chat id -> abort
	wg     sync.WaitGroup
}

// NewRunner creates a runner with the given pool size.
func NewRunner(cs coord.Coordinator, w *Worker, logger zerolog.Logger, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{
		coord:       cs,
		worker:      w,
		logger:      logger.With().Str("component", "runner").Logger(),
		concurrency: concurrency,
		jobTimeout:  DefaultJobTimeout,
		active:      make(map[string]context.CancelFunc),
	}
}

// Start launches the pool and the cancel subscriber. It returns immediately;
// the pool drains when ctx is done.
func (r *Runner) Start(ctx context.Context) {
	cancelCh, stopSub, err := r.coord.SubscribeCancel(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("cancel subscription failed; in-flight jobs will only stop via timeout")
	} else {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer stopSub()
			r.watchCancels(ctx, cancelCh)
		}()
	}

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx)
		}()
	}

	r.logger.Info().Int("concurrency", r.concurrency).Msg("job runner started")
}

// Wait blocks until the pool has drained after context cancellation.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		payload, err := r.coord.DequeueJob(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Msg("job dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if payload == nil {
			continue
		}

		job, err := UnmarshalJob(payload)
		if err != nil {
			r.logger.Error().Err(err).Msg("discarding unparseable job payload")
			continue
		}

		r.execute(ctx, job)
	}
}

// execute runs one job under its own deadline and registers it so a
// cancellation broadcast for the chat can abort it.
func (r *Runner) execute(ctx context.Context, job *Job) {
	jctx, cancel := context.WithTimeout(ctx, r.jobTimeout)
	defer cancel()

	r.mu.Lock()
	r.active[job.ChatID] = cancel
	r.mu.Unlock()

	start := time.Now()
	err := r.worker.Run(jctx, job)

	r.mu.Lock()
	delete(r.active, job.ChatID)
	r.mu.Unlock()

	// The handle is cleaned up on any terminal outcome; the cancel path in
	// the session controller deletes it as well, which is harmless.
	if derr := r.coord.DeleteJobHandle(context.WithoutCancel(ctx), job.ChatID); derr != nil {
		r.logger.Error().Err(derr).Str("chat_id", job.ChatID).Msg("job handle cleanup failed")
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Str("chat_id", job.ChatID).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("job finished")
}

func (r *Runner) watchCancels(ctx context.Context, ch <-chan string) {
	for {
		select {
		case chatID, ok := <-ch:
			if !ok {
				return
			}
			r.mu.Lock()
			cancel, running := r.active[chatID]
			r.mu.Unlock()
			if running {
				r.logger.Info().Str("chat_id", chatID).Msg("aborting in-flight job")
				cancel()
			}
		case <-ctx.Done():
			return
		}
	}
}
