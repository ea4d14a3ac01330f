package ws

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// Router mounts the websocket endpoint behind a per-IP connection rate
// limit to absorb connect storms.
func Router(h *Handler, connLimit int, window time.Duration) http.Handler {
	mux := chi.NewRouter()
	mux.With(httprate.LimitByIP(connLimit, window)).Handle("/ws", h)
	return mux
}
