package handlers

import (
	"errors"
	"net/http"

	"github.com/gluk-w/smssh/internal/reaper"
)

// RunReaper handles POST /api/v1/reaper/run?days=N. A fail-stop batch
// answers 502 with the partial result.
func RunReaper(w http.ResponseWriter, r *http.Request) {
	if Reaper == nil {
		writeError(w, http.StatusServiceUnavailable, "Reaper not configured")
		return
	}
	days, err := queryInt(r, "days", ReaperAgeDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := Reaper.Run(r.Context(), days)
	if errors.Is(err, reaper.ErrDeregisterFailed) {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"detail": err.Error(),
			"result": res,
		})
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
