// Package relay turns the coordination-store primitives into a
// unidirectional SSE stream, one reader per subscribe call.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/coord"
	"github.com/arborchat/arbor/internal/metrics"
	"github.com/arborchat/arbor/internal/models"
)

const (
	// DefaultHeartbeat keeps intermediary proxies from timing out an idle
	// connection.
	DefaultHeartbeat = 30 * time.Second

	// DefaultPollInterval bounds the wait between empty-queue checks. The
	// queue is drained with plain pops; no blocking-pop primitive is assumed.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultMaxLifetime is the hard ceiling on one subscriber connection.
	DefaultMaxLifetime = time.Hour

	// DefaultGraceDelay guarantees delivery of the terminal event before the
	// connection is torn down.
	DefaultGraceDelay = 500 * time.Millisecond
)

// Relay forwards a chat's queued events to one HTTP reader.
type Relay struct {
	coord  coord.Coordinator
	logger zerolog.Logger

	Heartbeat    time.Duration
	PollInterval time.Duration
	MaxLifetime  time.Duration
	GraceDelay   time.Duration
}

// New creates a relay with default timing.
func New(cs coord.Coordinator, logger zerolog.Logger) *Relay {
	return &Relay{
		coord:        cs,
		logger:       logger.With().Str("component", "relay").Logger(),
		Heartbeat:    DefaultHeartbeat,
		PollInterval: DefaultPollInterval,
		MaxLifetime:  DefaultMaxLifetime,
		GraceDelay:   DefaultGraceDelay,
	}
}

// Serve streams the chat's events to the response until a terminal event,
// reader disconnect, or the lifetime ceiling. Ownership must already be
// verified by the caller.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, chatID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return apperr.E(apperr.Internal, "streaming unsupported by connection")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithTimeout(r.Context(), rl.MaxLifetime)

	// Teardown is idempotent: it runs on disconnect, on the lifetime ceiling
	// and on normal return.
	metrics.ActiveStreams.Inc()
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			cancel()
			metrics.ActiveStreams.Dec()
		})
	}
	defer teardown()

	// Replay current state so a reconnecting reader resumes with full
	// context instead of silence.
	if state, err := rl.coord.GetStreamState(ctx, chatID); err == nil && state != nil {
		ev := models.NewEvent(models.EventStreamState)
		ev.State = state
		if err := writeEvent(w, flusher, ev); err != nil {
			return nil
		}
	}

	heartbeat := time.NewTicker(rl.Heartbeat)
	defer heartbeat.Stop()

	for {
		ev, err := rl.coord.PopEvent(ctx, chatID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			rl.logger.Error().Err(err).Str("chat_id", chatID).Msg("event fetch failed")
		}

		if ev == nil {
			// Bounded wait before the next poll; the heartbeat rides the same
			// suspension point.
			select {
			case <-ctx.Done():
				return nil
			case <-heartbeat.C:
				if err := writeEvent(w, flusher, models.NewEvent(models.EventHeartbeat)); err != nil {
					return nil
				}
			case <-time.After(rl.PollInterval):
			}
			continue
		}

		if err := writeEvent(w, flusher, ev); err != nil {
			// Reader disconnected; the event was already popped, but state
			// replay covers a reconnect.
			return nil
		}

		switch ev.Kind {
		case models.EventEnd, models.EventError, models.EventCancelled:
			select {
			case <-time.After(rl.GraceDelay):
			case <-ctx.Done():
			}
			return nil
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev *models.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
