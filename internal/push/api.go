package push

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// AdminTokenHeader gates the send endpoint.
const AdminTokenHeader = "X-Admin-Token"

// API exposes the subscription lifecycle, the admin send endpoint, and the
// order-event hook the storefront backend calls on checkout transitions.
type API struct {
	store        Store
	sender       *Sender
	messages     *Messages
	logger       *slog.Logger
	adminToken   string
	adminUserIDs []string
}

// NewAPI wires the push HTTP surface.
func NewAPI(store Store, sender *Sender, messages *Messages, logger *slog.Logger, adminToken string, adminUserIDs []string) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:        store,
		sender:       sender,
		messages:     messages,
		logger:       logger.With(slog.String("agent", "push_api")),
		adminToken:   adminToken,
		adminUserIDs: adminUserIDs,
	}
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type subscribeRequest struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

type unsubscribeRequest struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
}

type sendRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Delivered int    `json:"delivered,omitempty"`
}

type publicKeyResponse struct {
	Success   bool   `json:"success"`
	PublicKey string `json:"publicKey"`
}

// ServeSubscribe registers a push endpoint for a user.
func (a *API) ServeSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, false, "no subscription data provided")
		return
	}

	created, err := a.store.Save(r.Context(), Subscription{
		UserID:   req.UserID,
		Endpoint: req.Endpoint,
		Keys:     req.Keys,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidSubscription) {
			writeStatus(w, http.StatusBadRequest, false, "no subscription data provided")
			return
		}
		a.logger.Error("subscription save failed", slog.Any("error", err))
		writeStatus(w, http.StatusInternalServerError, false, "failed to save subscription")
		return
	}
	if !created {
		writeStatus(w, http.StatusOK, true, "already subscribed")
		return
	}
	a.logger.Info("push subscription registered", slog.String("user", req.UserID))
	writeStatus(w, http.StatusCreated, true, "subscribed to notifications")
}

// ServeUnsubscribe removes a push endpoint. Removing an unknown endpoint is
// still a success, matching what the page expects after a local unsubscribe.
func (a *API) ServeUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, false, "no subscription data provided")
		return
	}
	if err := a.store.Remove(r.Context(), req.UserID, req.Endpoint); err != nil {
		a.logger.Error("subscription remove failed", slog.Any("error", err))
		writeStatus(w, http.StatusInternalServerError, false, "failed to remove subscription")
		return
	}
	writeStatus(w, http.StatusOK, true, "unsubscribed from notifications")
}

// ServeSend dispatches a notification to one user. Admin only.
func (a *API) ServeSend(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeStatus(w, http.StatusForbidden, false, "unauthorized")
		return
	}

	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, false, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Body) == "" {
		writeStatus(w, http.StatusBadRequest, false, "missing required fields")
		return
	}

	payload := ShapePayload(nil, a.sender.Defaults())
	payload.Title = req.Title
	payload.Body = req.Body
	if strings.TrimSpace(req.URL) != "" {
		payload.Data["url"] = req.URL
	}

	delivered, err := a.sender.Send(r.Context(), req.UserID, payload)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoSubscriptions):
			writeStatus(w, http.StatusNotFound, false, "user has no subscriptions")
		case errors.Is(err, ErrNotConfigured):
			writeStatus(w, http.StatusServiceUnavailable, false, "push delivery not configured")
		default:
			a.logger.Error("notification send failed", slog.String("user", req.UserID), slog.Any("error", err))
			writeStatus(w, http.StatusInternalServerError, false, "failed to send notification")
		}
		return
	}
	if delivered == 0 {
		writeBody(w, http.StatusBadGateway, sendResponse{Success: false, Message: "failed to send notification"})
		return
	}
	writeBody(w, http.StatusOK, sendResponse{Success: true, Message: "notification sent", Delivered: delivered})
}

type orderEventRequest struct {
	UserID      string `json:"user_id"`
	Event       string `json:"event"`
	OrderNumber string `json:"order_number"`
	OrderID     string `json:"order_id"`
}

// ServeOrderEvent notifies a customer about an order transition. New orders
// additionally fan out to the configured admin users. Admin only.
func (a *API) ServeOrderEvent(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeStatus(w, http.StatusForbidden, false, "unauthorized")
		return
	}

	var req orderEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, false, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Event) == "" || strings.TrimSpace(req.OrderNumber) == "" {
		writeStatus(w, http.StatusBadRequest, false, "missing required fields")
		return
	}

	payload, err := a.messages.ForEvent(OrderEvent(req.Event), req.OrderNumber, req.OrderID)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, false, "unknown order event")
		return
	}

	delivered, err := a.sender.Send(r.Context(), req.UserID, payload)
	if err != nil && !errors.Is(err, ErrNoSubscriptions) {
		a.logger.Error("order notification failed",
			slog.String("user", req.UserID),
			slog.String("event", req.Event),
			slog.Any("error", err))
		writeStatus(w, http.StatusInternalServerError, false, "failed to send notification")
		return
	}

	if OrderEvent(req.Event) == OrderPlaced && len(a.adminUserIDs) > 0 {
		adminPayload, err := a.messages.ForAdminPlaced(req.OrderNumber, req.OrderID)
		if err == nil {
			for _, adminID := range a.adminUserIDs {
				if n, err := a.sender.Send(r.Context(), adminID, adminPayload); err == nil {
					delivered += n
				} else if !errors.Is(err, ErrNoSubscriptions) {
					a.logger.Warn("admin order notification failed",
						slog.String("user", adminID),
						slog.Any("error", err))
				}
			}
		}
	}

	writeBody(w, http.StatusOK, sendResponse{Success: true, Message: "notification sent", Delivered: delivered})
}

// ServePublicKey hands the page the VAPID public key it subscribes with.
func (a *API) ServePublicKey(w http.ResponseWriter, r *http.Request) {
	key := a.sender.PublicKey()
	if key == "" {
		writeStatus(w, http.StatusNotFound, false, "push delivery not configured")
		return
	}
	writeBody(w, http.StatusOK, publicKeyResponse{Success: true, PublicKey: key})
}

func (a *API) authorized(r *http.Request) bool {
	if a.adminToken == "" {
		return false
	}
	token := r.Header.Get(AdminTokenHeader)
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1
}

func decodeBody(r *http.Request, out any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<16))
	}()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out)
}

func writeStatus(w http.ResponseWriter, status int, success bool, message string) {
	writeBody(w, status, statusResponse{Success: success, Message: message})
}

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
