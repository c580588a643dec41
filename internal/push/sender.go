package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/offlinehub/edgeworker/internal/config"
	"github.com/offlinehub/edgeworker/internal/metrics"
)

// ErrNoSubscriptions reports a send targeting a user with no registered
// endpoints.
var ErrNoSubscriptions = errors.New("push: user has no subscriptions")

// ErrNotConfigured reports a send attempted without VAPID credentials.
var ErrNotConfigured = errors.New("push: vapid keys not configured")

// pushFunc is the delivery seam; production uses webpush-go.
type pushFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Sender delivers shaped payloads to every endpoint a user registered.
// Endpoints the push service reports as gone are pruned from the store so
// they stop consuming send attempts.
type Sender struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	cfg     config.PushConfig
	push    pushFunc
}

// NewSender wires the dispatcher to its subscription store and credentials.
func NewSender(store Store, logger *slog.Logger, rec *metrics.Recorder, cfg config.PushConfig) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		store:   store,
		logger:  logger.With(slog.String("agent", "push_sender")),
		metrics: rec,
		cfg:     cfg,
		push:    webpush.SendNotificationWithContext,
	}
}

// PublicKey exposes the VAPID public key the page needs to subscribe.
func (s *Sender) PublicKey() string {
	return s.cfg.VAPIDPublicKey
}

// Defaults returns the configured payload fallbacks.
func (s *Sender) Defaults() Defaults {
	return Defaults{
		Title: s.cfg.DefaultTitle,
		Icon:  s.cfg.DefaultIcon,
		Badge: s.cfg.DefaultBadge,
	}
}

// Send delivers the payload to each of the user's endpoints independently and
// returns how many deliveries the push service accepted. One failing endpoint
// never blocks the rest.
func (s *Sender) Send(ctx context.Context, userID string, payload Payload) (int, error) {
	if s.cfg.VAPIDPrivateKey == "" || s.cfg.ClaimEmail == "" {
		return 0, ErrNotConfigured
	}
	subs, err := s.store.List(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("push: list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, ErrNoSubscriptions
	}

	message, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("push: marshal payload: %w", err)
	}

	delivered := 0
	for _, sub := range subs {
		if s.sendOne(ctx, sub, message) {
			delivered++
		}
	}
	return delivered, nil
}

func (s *Sender) sendOne(ctx context.Context, sub Subscription, message []byte) bool {
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}
	options := &webpush.Options{
		Subscriber:      s.cfg.ClaimEmail,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             s.cfg.TTLSeconds,
	}

	resp, err := s.push(ctx, message, target, options)
	if err != nil {
		s.metrics.ObservePushSend(metrics.PushFailed)
		s.logger.Warn("push delivery failed",
			slog.String("user", sub.UserID),
			slog.Any("error", err))
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// The push service says this endpoint no longer exists.
		s.metrics.ObservePushSend(metrics.PushExpired)
		if err := s.store.Remove(ctx, sub.UserID, sub.Endpoint); err != nil {
			s.logger.Warn("expired subscription prune failed",
				slog.String("user", sub.UserID),
				slog.Any("error", err))
		} else {
			s.logger.Info("expired subscription pruned", slog.String("user", sub.UserID))
		}
		return false
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.metrics.ObservePushSend(metrics.PushSent)
		return true
	default:
		s.metrics.ObservePushSend(metrics.PushFailed)
		s.logger.Warn("push service rejected delivery",
			slog.String("user", sub.UserID),
			slog.Int("status", resp.StatusCode))
		return false
	}
}
