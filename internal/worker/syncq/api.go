package syncq

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// API exposes the sync queue to the page-side collaborator: persisting a
// record when a mutating fetch fails offline, triggering a named sync, and
// inspecting what is still queued.
type API struct {
	queue    Queue
	replayer *Replayer
	logger   *slog.Logger
}

// NewAPI wires the queue HTTP surface.
func NewAPI(queue Queue, replayer *Replayer, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		queue:    queue,
		replayer: replayer,
		logger:   logger.With(slog.String("agent", "sync_api")),
	}
}

type queueRequest struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type queueResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
	Queued  int64  `json:"queued,omitempty"`
}

type triggerRequest struct {
	Tag string `json:"tag"`
}

type triggerResponse struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Tag      string          `json:"tag,omitempty"`
	Outcomes []ReplayOutcome `json:"outcomes,omitempty"`
}

// pendingRecord mirrors the queue request shape so the page can round-trip a
// body it submitted as a plain string.
type pendingRecord struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

type pendingResponse struct {
	Success bool            `json:"success"`
	Count   int             `json:"count"`
	Records []pendingRecord `json:"records"`
}

// ServeQueue persists one sync record.
func (a *API) ServeQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, queueResponse{Success: false, Message: "invalid request body"})
		return
	}

	rec := Record{
		ID:      req.ID,
		URL:     req.URL,
		Method:  req.Method,
		Headers: req.Headers,
		Body:    []byte(req.Body),
	}
	stored, err := a.queue.Enqueue(r.Context(), rec)
	if err != nil {
		if errors.Is(err, ErrEmptyRecord) {
			writeJSON(w, http.StatusBadRequest, queueResponse{Success: false, Message: "url and method are required"})
			return
		}
		a.logger.Error("sync enqueue failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, queueResponse{Success: false, Message: "failed to queue request"})
		return
	}

	queued, err := a.queue.Len(r.Context())
	if err != nil {
		queued = 0
	}
	a.logger.Info("sync record queued",
		slog.String("id", stored.ID),
		slog.String("method", stored.Method),
		slog.String("url", stored.URL))
	writeJSON(w, http.StatusCreated, queueResponse{Success: true, ID: stored.ID, Queued: queued})
}

// ServeTrigger fires one sync event for the tag named in the request.
func (a *API) ServeTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, triggerResponse{Success: false, Message: "invalid request body"})
		return
	}
	if req.Tag == "" {
		req.Tag = a.replayer.Tag()
	}

	started := time.Now()
	outcomes, err := a.replayer.Replay(r.Context(), req.Tag)
	if err != nil {
		if errors.Is(err, ErrUnknownTag) {
			writeJSON(w, http.StatusNotFound, triggerResponse{Success: false, Message: err.Error()})
			return
		}
		a.logger.Error("sync replay failed", slog.String("tag", req.Tag), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, triggerResponse{Success: false, Message: "sync replay failed"})
		return
	}

	a.logger.Info("sync replay completed",
		slog.String("tag", req.Tag),
		slog.Int("records", len(outcomes)),
		slog.Duration("elapsed", time.Since(started)))
	writeJSON(w, http.StatusOK, triggerResponse{Success: true, Tag: req.Tag, Outcomes: outcomes})
}

// ServePending lists the records still waiting for a successful replay.
func (a *API) ServePending(w http.ResponseWriter, r *http.Request) {
	records, err := a.queue.Pending(r.Context())
	if err != nil {
		a.logger.Error("sync pending read failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, pendingResponse{Success: false})
		return
	}
	out := make([]pendingRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, pendingRecord{
			ID:         rec.ID,
			URL:        rec.URL,
			Method:     rec.Method,
			Headers:    rec.Headers,
			Body:       string(rec.Body),
			EnqueuedAt: rec.EnqueuedAt,
		})
	}
	writeJSON(w, http.StatusOK, pendingResponse{Success: true, Count: len(records), Records: out})
}

func decodeJSON(r *http.Request, out any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<16))
	}()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
