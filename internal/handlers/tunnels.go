package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/resolver"
	"github.com/gluk-w/smssh/internal/tunnel"
)

type openTunnelRequest struct {
	InstanceID        string   `json:"instance_id"`
	Kind              string   `json:"kind"`
	Name              string   `json:"name"`
	ARNFilter         string   `json:"arn_filter"`
	NotBefore         int64    `json:"not_before"`
	ResolveTimeout    string   `json:"resolve_timeout"`
	LocalPort         int      `json:"local_port"`
	ExtraArgs         []string `json:"extra_args"`
	TerminateWaitLoop bool     `json:"terminate_wait_loop"`
}

func (body openTunnelRequest) toOpenRequest() (tunnel.OpenRequest, error) {
	req := tunnel.OpenRequest{
		InstanceID:        strings.TrimSpace(body.InstanceID),
		LocalPort:         body.LocalPort,
		ExtraArgs:         body.ExtraArgs,
		TerminateWaitLoop: body.TerminateWaitLoop,
		ResolveTimeout:    ResolveTimeout,
	}
	if body.LocalPort < 0 || body.LocalPort > 65535 {
		return req, errInvalid("local_port")
	}
	if req.InstanceID != "" {
		if !strings.HasPrefix(req.InstanceID, fleet.InstanceIDPrefix) {
			return req, errInvalid("instance_id")
		}
		return req, nil
	}

	kind, err := fleet.ParseKind(body.Kind)
	if err != nil || !kind.RegistryResolvable() {
		return req, errInvalid("kind")
	}
	if body.Name == "" {
		return req, errInvalid("name")
	}
	if body.ResolveTimeout != "" {
		d, err := time.ParseDuration(body.ResolveTimeout)
		if err != nil || d < 0 {
			return req, errInvalid("resolve_timeout")
		}
		req.ResolveTimeout = d
	}
	req.Query = &resolver.Query{Kind: kind, Name: body.Name, ARNFilter: body.ARNFilter, NotBefore: body.NotBefore}
	return req, nil
}

// ListTunnels handles GET /api/v1/tunnels.
func ListTunnels(w http.ResponseWriter, r *http.Request) {
	if Tunnels == nil {
		writeError(w, http.StatusServiceUnavailable, "Tunnel manager not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tunnels": Tunnels.List()})
}

// OpenTunnel handles POST /api/v1/tunnels. The body names either an
// instance_id or a kind and name to resolve.
func OpenTunnel(w http.ResponseWriter, r *http.Request) {
	if Tunnels == nil {
		writeError(w, http.StatusServiceUnavailable, "Tunnel manager not initialized")
		return
	}
	var body openTunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req, err := body.toOpenRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := Tunnels.Open(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// CloseTunnel handles DELETE /api/v1/tunnels/{id}.
func CloseTunnel(w http.ResponseWriter, r *http.Request) {
	if Tunnels == nil {
		writeError(w, http.StatusServiceUnavailable, "Tunnel manager not initialized")
		return
	}
	if err := Tunnels.Close(chi.URLParam(r, "id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecTunnel handles POST /api/v1/tunnels/{id}/exec with {"command": "..."}.
// A non-zero exit status is a successful response carrying exit_code.
func ExecTunnel(w http.ResponseWriter, r *http.Request) {
	if Tunnels == nil {
		writeError(w, http.StatusServiceUnavailable, "Tunnel manager not initialized")
		return
	}
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Command) == "" {
		writeError(w, http.StatusBadRequest, "Invalid command")
		return
	}
	res, err := Tunnels.Exec(r.Context(), chi.URLParam(r, "id"), body.Command)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetTunnelTransitions handles GET /api/v1/tunnels/{id}/transitions.
func GetTunnelTransitions(w http.ResponseWriter, r *http.Request) {
	if Tunnels == nil {
		writeError(w, http.StatusServiceUnavailable, "Tunnel manager not initialized")
		return
	}
	s, ok := Tunnels.Get(chi.URLParam(r, "id"))
	if !ok {
		writeFailure(w, tunnel.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":       s.Proxy.State(),
		"transitions": s.Proxy.Transitions(),
	})
}
