package syncq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/offlinehub/edgeworker/internal/metrics"
)

// ErrUnknownTag reports a sync trigger whose tag this replayer does not own.
var ErrUnknownTag = errors.New("syncq: unknown sync tag")

// httpDoer is the minimal client contract the replayer needs.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// ReplayOutcome describes what happened to one record during a sync event.
type ReplayOutcome struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// Replayer drains the sync queue when a tagged sync event fires. Delivery is
// at-least-once: a record is deleted only after the origin confirms the
// mutation, and one failed record never blocks the rest of the batch.
type Replayer struct {
	queue   Queue
	client  httpDoer
	logger  *slog.Logger
	metrics *metrics.Recorder
	tag     string
	timeout time.Duration
}

// NewReplayer wires a replayer to its queue and origin client.
func NewReplayer(queue Queue, client httpDoer, logger *slog.Logger, rec *metrics.Recorder, tag string, timeout time.Duration) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Replayer{
		queue:   queue,
		client:  client,
		logger:  logger.With(slog.String("agent", "sync_replayer")),
		metrics: rec,
		tag:     tag,
		timeout: timeout,
	}
}

// Tag returns the sync task identifier this replayer answers to.
func (r *Replayer) Tag() string {
	return r.tag
}

// Replay processes every pending record for the given tag. Records are
// replayed independently in FIFO order; each outcome reports either delivery
// (record deleted) or deferral (record left queued for the next trigger).
func (r *Replayer) Replay(ctx context.Context, tag string) ([]ReplayOutcome, error) {
	if strings.TrimSpace(tag) != r.tag {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if r.client == nil {
		return nil, errors.New("syncq: replayer http client missing")
	}

	pending, err := r.queue.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncq: read pending: %w", err)
	}

	outcomes := make([]ReplayOutcome, 0, len(pending))
	for _, rec := range pending {
		select {
		case <-ctx.Done():
			return outcomes, ctx.Err()
		default:
		}
		outcome := r.replayOne(ctx, rec)
		if outcome.Delivered {
			r.metrics.ObserveSyncReplay(metrics.ReplayDelivered)
		} else {
			r.metrics.ObserveSyncReplay(metrics.ReplayDeferred)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (r *Replayer) replayOne(ctx context.Context, rec Record) ReplayOutcome {
	outcome := ReplayOutcome{ID: rec.ID, URL: rec.URL}

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var body io.Reader
	if len(rec.Body) > 0 {
		body = bytes.NewReader(rec.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, rec.Method, rec.URL, body)
	if err != nil {
		outcome.Error = err.Error()
		r.logger.Warn("sync replay request build failed", slog.String("id", rec.ID), slog.Any("error", err))
		return outcome
	}
	for name, value := range rec.Headers {
		if strings.TrimSpace(value) != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		outcome.Error = err.Error()
		r.logger.Debug("sync replay deferred", slog.String("id", rec.ID), slog.Any("error", err))
		return outcome
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	outcome.Status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Debug("sync replay rejected", slog.String("id", rec.ID), slog.Int("status", resp.StatusCode))
		return outcome
	}

	if err := r.queue.Delete(ctx, rec.ID); err != nil {
		// The mutation landed but the record survived; the next trigger will
		// replay it again, which the cart endpoints tolerate.
		outcome.Error = err.Error()
		r.logger.Warn("sync record delete failed", slog.String("id", rec.ID), slog.Any("error", err))
	}
	outcome.Delivered = true
	return outcome
}
