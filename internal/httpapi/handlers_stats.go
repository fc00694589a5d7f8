package httpapi

import (
	"net/http"

	"github.com/marketwire/newspipe/internal/stats"
)

// StatsResponse is the rollup the dashboard polls: global pipeline counters
// plus per-stage, per-purpose and per-provider breakdowns.
type StatsResponse struct {
	Global     []stats.Aggregate            `json:"global"`
	ByStage    map[string][]stats.Aggregate `json:"by_stage"`
	ByPurpose  map[string][]stats.Aggregate `json:"by_purpose"`
	ByProvider map[string][]stats.Aggregate `json:"by_provider"`
}

func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{
			Global:     []stats.Aggregate{},
			ByStage:    map[string][]stats.Aggregate{},
			ByPurpose:  map[string][]stats.Aggregate{},
			ByProvider: map[string][]stats.Aggregate{},
		}
		if d.Stats != nil {
			if g := d.Stats.Global(); g != nil {
				resp.Global = g
			}
			if m := d.Stats.ByStage(); m != nil {
				resp.ByStage = m
			}
			if m := d.Stats.ByPurpose(); m != nil {
				resp.ByPurpose = m
			}
			if m := d.Stats.ByProvider(); m != nil {
				resp.ByProvider = m
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
