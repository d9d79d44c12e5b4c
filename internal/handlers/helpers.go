package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/smssh/internal/registry"
	"github.com/gluk-w/smssh/internal/resolver"
	"github.com/gluk-w/smssh/internal/tunnel"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeFailure maps domain errors onto HTTP statuses. Tunnel failures carry
// their diagnostics.
func writeFailure(w http.ResponseWriter, err error) {
	var f *tunnel.Failure
	switch {
	case errors.As(err, &f):
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"detail":      err.Error(),
			"instance_id": f.InstanceID,
			"exit_code":   f.ExitCode,
			"diagnostics": f.Diagnostics,
		})
	case errors.Is(err, tunnel.ErrSessionNotFound), errors.Is(err, tunnel.ErrNoInstance):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errNoLogSource), errors.Is(err, resolver.ErrNotInRegistry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrRegistryUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("Invalid " + name)
	}
	return n, nil
}

func queryDuration(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New("Invalid " + name)
	}
	return d, nil
}
