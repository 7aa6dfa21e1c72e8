package connstore

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// statsResponse is the body served by StatsHandler (spec §6, §9.1's
// "GET /stats" supplement: a bounded best-effort online-hub count).
type statsResponse struct {
	HubsOnlineApprox int `json:"hubs_online_approx"`
}

// StatsHandler answers GET /stats with a bounded best-effort count of
// hub sessions currently owned somewhere in the cluster, backed by
// Store.CountApprox.
func StatsHandler(store Store, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := store.CountApprox(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("stats: CountApprox failed")
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "application/json")
		json.NewEncoder(w).Encode(statsResponse{HubsOnlineApprox: count})
	}
}
