package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gluk-w/smssh/internal/audit"
	"github.com/gluk-w/smssh/internal/console"
	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/resolver"
)

type resolveResponse struct {
	Query       string   `json:"query"`
	Source      string   `json:"source"`
	InstanceIDs []string `json:"instance_ids"`
	Hint        string   `json:"hint,omitempty"`
	ElapsedMs   int64    `json:"elapsed_ms"`
}

// Resolve handles GET /api/v1/resolve.
// Query parameters:
//   - kind, name (required): the resource to resolve
//   - arn_filter (optional): regular expression the ARN must match
//   - not_before (optional): Unix timestamp of the oldest registration
//   - expected (optional): number of instances to wait for (default 1)
//   - timeout (optional): wait budget such as "90s" (default: single scan)
//
// Kinds that do not tag their registrations are resolved from logs.
func Resolve(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expected, err := queryInt(r, "expected", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout, err := queryDuration(r, "timeout", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := resolveResponse{
		Query: q.String(),
		Hint:  console.Hint(Region, q.Kind, q.Name),
	}
	start := time.Now()
	var ids []string
	if q.Kind.RegistryResolvable() {
		if Resolver == nil {
			writeError(w, http.StatusServiceUnavailable, "Resolver not configured")
			return
		}
		resp.Source = "registry"
		ids, err = Resolver.Resolve(r.Context(), q, timeout, expected)
	} else {
		resp.Source = "logs"
		ids, err = resolveFromLogs(r.Context(), q, timeout, expected)
	}
	elapsed := time.Since(start)
	audit.LogResolution(q.Kind.String(), q.Name, ids, elapsed)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	resp.InstanceIDs = ids
	resp.ElapsedMs = elapsed.Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

func resolveFromLogs(ctx context.Context, q resolver.Query, timeout time.Duration, expected int) ([]string, error) {
	loc, ok := fleet.LogLocationFor(q.Kind, q.Name)
	if !ok || LogQuery == nil {
		return nil, errNoLogSource
	}
	return LogQuery.InstanceIDs(ctx, loc, timeout, expected)
}

func parseQuery(r *http.Request) (resolver.Query, error) {
	v := r.URL.Query()
	kind, err := fleet.ParseKind(v.Get("kind"))
	if err != nil {
		return resolver.Query{}, errInvalid("kind")
	}
	name := v.Get("name")
	if name == "" {
		return resolver.Query{}, errInvalid("name")
	}
	q := resolver.Query{Kind: kind, Name: name, ARNFilter: v.Get("arn_filter")}
	if q.ARNFilter != "" {
		if _, err := regexp.Compile(q.ARNFilter); err != nil {
			return resolver.Query{}, errInvalid("arn_filter")
		}
	}
	if s := v.Get("not_before"); s != "" {
		ts, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return resolver.Query{}, errInvalid("not_before")
		}
		q.NotBefore = ts
	}
	return q, nil
}
