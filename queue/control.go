package queue

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SAFEHR-data/PIXL-sub000/go/ratelimit"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
)

// refreshRequest is the body of POST /token-bucket-refresh-rate.
type refreshRequest struct {
	Queue    string       `json:"queue"`
	Key      ratelimit.Key `json:"key"`
	Rate     float64      `json:"rate"`
	Capacity int          `json:"capacity"`
}

// ControlRouter builds the control-plane HTTP surface for adjusting a
// Limiter's buckets at runtime.
func ControlRouter(limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Post("/token-bucket-refresh-rate", func(w http.ResponseWriter, req *http.Request) {
		var body refreshRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if body.Queue == "" || (body.Key != ratelimit.Primary && body.Key != ratelimit.Secondary) {
			http.Error(w, "queue and key (primary|secondary) are required", http.StatusBadRequest)
			return
		}
		if body.Rate < 0 {
			http.Error(w, "rate must be >= 0", http.StatusBadRequest)
			return
		}
		limiter.SetRate(body.Queue, body.Key, body.Rate, body.Capacity)
		sklog.Infof("queue: refreshed rate limiter %s/%s to rate=%.3f capacity=%d", body.Queue, body.Key, body.Rate, body.Capacity)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
