package handlers

import (
	"net/http"
	"regexp"
)

var componentPattern = regexp.MustCompile(`^[a-z-]{1,32}$`)

// GetServerLogs handles GET /api/v1/server-logs.
//
// Query parameters:
//   - lines (optional): number of trailing lines (default 200, max 5000)
//   - component (optional): only lines tagged with this component, e.g. "tunnel"
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := queryInt(r, "lines", 200)
	if err != nil || lines < 1 {
		writeError(w, http.StatusBadRequest, errInvalid("lines").Error())
		return
	}
	if lines > 5000 {
		lines = 5000
	}
	component := r.URL.Query().Get("component")
	if component != "" && !componentPattern.MatchString(component) {
		writeError(w, http.StatusBadRequest, errInvalid("component").Error())
		return
	}

	content, err := ServerLog.Tail(lines, component)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"path": ServerLog.Path(),
		"logs": content,
	})
}

// ClearServerLogs handles DELETE /api/v1/server-logs.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := ServerLog.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
