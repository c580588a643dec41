package server

import (
	"net/http"
)

// WorkerHTTP is the surface the router needs from the fetch worker and its
// lifecycle coordinator.
type WorkerHTTP interface {
	ServeFetch(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
}

// SyncHTTP is the background-sync queue surface.
type SyncHTTP interface {
	ServeQueue(http.ResponseWriter, *http.Request)
	ServeTrigger(http.ResponseWriter, *http.Request)
	ServePending(http.ResponseWriter, *http.Request)
}

// PushHTTP is the push subscription and dispatch surface.
type PushHTTP interface {
	ServeSubscribe(http.ResponseWriter, *http.Request)
	ServeUnsubscribe(http.ResponseWriter, *http.Request)
	ServeSend(http.ResponseWriter, *http.Request)
	ServeOrderEvent(http.ResponseWriter, *http.Request)
	ServePublicKey(http.ResponseWriter, *http.Request)
}

// NewHandler wires the gateway route table. The worker's fetch path is the
// catch-all: everything that is not a control endpoint flows through the
// cache.
func NewHandler(worker WorkerHTTP, sync SyncHTTP, push PushHTTP, metricsHandler http.Handler) http.Handler {
	if worker == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "worker unavailable", http.StatusServiceUnavailable)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", worker.ServeHealth)

	if sync != nil {
		mux.HandleFunc("POST /sync/queue", sync.ServeQueue)
		mux.HandleFunc("POST /sync/trigger", sync.ServeTrigger)
		mux.HandleFunc("GET /sync/pending", sync.ServePending)
	}
	if push != nil {
		mux.HandleFunc("POST /notifications/subscribe", push.ServeSubscribe)
		mux.HandleFunc("POST /notifications/unsubscribe", push.ServeUnsubscribe)
		mux.HandleFunc("POST /notifications/send", push.ServeSend)
		mux.HandleFunc("POST /notifications/order-event", push.ServeOrderEvent)
		mux.HandleFunc("GET /notifications/vapid-public-key", push.ServePublicKey)
	}
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	mux.HandleFunc("/", worker.ServeFetch)
	return mux
}
