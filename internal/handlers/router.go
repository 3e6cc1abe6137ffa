package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the HTTP surface with request logging and panic recovery
// around every route.
func NewRouter(h *WebhookHandler) http.Handler {
	chain := alice.New(recoverPanic, logRequest)

	router := mux.NewRouter()
	router.Handle("/webhook/deal_update", chain.ThenFunc(h.DealUpdate)).Methods(http.MethodPost)
	router.Handle("/webhook/register_folder", chain.ThenFunc(h.RegisterFolder)).Methods(http.MethodPost)
	router.Handle("/health", chain.ThenFunc(h.Health)).Methods(http.MethodGet)
	return router
}

func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// recoverPanic converts any panic escaping a handler into a generic 500 so
// nothing propagates past the webhook surface.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Recovered panic in handler")
				respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
