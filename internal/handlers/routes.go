// Package handlers is the HTTP API of serve mode.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/logging"
	"github.com/gluk-w/smssh/internal/reaper"
	"github.com/gluk-w/smssh/internal/tunnel"
)

// LogResolver is satisfied by *logquery.Client.
type LogResolver interface {
	InstanceIDs(ctx context.Context, loc fleet.LogLocation, timeout time.Duration, expected int) ([]string, error)
}

// Set from main.go during init.
var (
	Registry reaper.Registry
	Resolver tunnel.InstanceResolver
	LogQuery LogResolver
	Tunnels  *tunnel.Manager
	Reaper   *reaper.Reaper

	// ServerLog may stay nil; the server-logs endpoints then read empty.
	ServerLog *logging.File

	Region         string
	ResolveTimeout time.Duration
	ReaperAgeDays  = 7
)

var errNoLogSource = errors.New("resource kind has no log source to resolve from")

func errInvalid(field string) error {
	return errors.New("Invalid " + field)
}

// NewRouter mounts every endpoint.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/instances", ListInstances)
		r.Get("/instances/expired", ListExpiredInstances)
		r.Delete("/instances/{id}", DeregisterInstance)

		r.Get("/resolve", Resolve)

		r.Get("/tunnels", ListTunnels)
		r.Post("/tunnels", OpenTunnel)
		r.Delete("/tunnels/{id}", CloseTunnel)
		r.Post("/tunnels/{id}/exec", ExecTunnel)
		r.Get("/tunnels/{id}/transitions", GetTunnelTransitions)

		r.Post("/reaper/run", RunReaper)

		r.Get("/audit", GetAuditLogs)

		r.Get("/server-logs", GetServerLogs)
		r.Delete("/server-logs", ClearServerLogs)
	})
	return r
}
