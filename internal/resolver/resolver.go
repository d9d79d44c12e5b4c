// Package resolver maps a resource kind and name to the managed instance
// handles its agents registered under.
//
// Registration is eventually consistent and a name can be reused across
// runs, so a match requires the exact name tag, the ARN type segment, the
// ARN name suffix and optionally a minimum registration time.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/logutil"
	"github.com/gluk-w/smssh/internal/registry"
)

// ErrNotInRegistry is returned for resource kinds whose instances do not
// tag their registrations; those are found through their logs instead.
var ErrNotInRegistry = errors.New("resource kind is not resolvable from the registry")

// Query selects registrations of one resource.
type Query struct {
	Kind fleet.ResourceKind
	Name string
	// ARNFilter is an optional regular expression the ARN must match.
	ARNFilter string
	// NotBefore excludes registrations older than this Unix timestamp.
	NotBefore int64
}

func (q Query) String() string {
	s := fmt.Sprintf("%s/%s", q.Kind, q.Name)
	if q.ARNFilter != "" {
		s += fmt.Sprintf(" arn~%q", q.ARNFilter)
	}
	if q.NotBefore > 0 {
		s += fmt.Sprintf(" since=%d", q.NotBefore)
	}
	return s
}

// Match filters a registry snapshot down to the records of q, newest first.
// Records with equal timestamps are ordered by id.
func Match(snapshot map[string]fleet.Record, q Query) ([]fleet.Record, error) {
	var arnRe *regexp.Regexp
	if q.ARNFilter != "" {
		re, err := regexp.Compile(q.ARNFilter)
		if err != nil {
			return nil, fmt.Errorf("compile arn filter: %w", err)
		}
		arnRe = re
	}

	segment := q.Kind.ARNSegment()
	var matched []fleet.Record
	for _, id := range registry.SortedIDs(snapshot) {
		rec := snapshot[id]
		if !rec.IsSSHManaged() {
			continue
		}
		if !strings.Contains(rec.ResourceARN, segment) {
			continue
		}
		if !strings.HasSuffix(rec.ResourceARN, "/"+q.Name) || rec.ResourceName != q.Name {
			continue
		}
		if arnRe != nil && !arnRe.MatchString(rec.ResourceARN) {
			continue
		}
		if rec.Timestamp < q.NotBefore {
			continue
		}
		matched = append(matched, rec)
	}
	fleet.SortNewestFirst(matched)
	return matched, nil
}

// Resolver resolves queries against the live registry.
type Resolver struct {
	Registry registry.Lister
	Policy   Policy
}

// New returns a Resolver with the default policy.
func New(reg registry.Lister) *Resolver {
	return &Resolver{Registry: reg, Policy: DefaultPolicy()}
}

// Record returns the current registration of one instance.
func (r *Resolver) Record(ctx context.Context, id string) (fleet.Record, bool, error) {
	snapshot, err := r.Registry.ListAll(ctx)
	if err != nil {
		return fleet.Record{}, false, err
	}
	rec, ok := snapshot[id]
	return rec, ok, nil
}

// ResolveOnce performs one registry scan.
func (r *Resolver) ResolveOnce(ctx context.Context, q Query) ([]string, error) {
	snapshot, err := r.Registry.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	matched, err := Match(snapshot, q)
	if err != nil {
		return nil, err
	}
	return fleet.IDs(matched), nil
}

// Resolve waits up to timeout for the first registration of q and then for
// up to expected registrations in total. An empty result means nothing
// registered in time; registry failures are returned immediately.
func (r *Resolver) Resolve(ctx context.Context, q Query, timeout time.Duration, expected int) ([]string, error) {
	if q.Kind == fleet.KindUnknown {
		return nil, fmt.Errorf("resolve %q: resource kind is required", q.Name)
	}
	if !q.Kind.RegistryResolvable() {
		return nil, fmt.Errorf("resolve %s: %w", q, ErrNotInRegistry)
	}
	if q.ARNFilter != "" {
		if _, err := regexp.Compile(q.ARNFilter); err != nil {
			return nil, fmt.Errorf("compile arn filter: %w", err)
		}
	}
	if strings.HasPrefix(q.Name, fleet.InstanceIDPrefix) {
		log.Printf("[resolver] WARNING: resource name %q looks like a managed instance id; pass the %s name instead",
			logutil.SanitizeForLog(q.Name), q.Kind)
	}
	if expected < 1 {
		expected = 1
	}

	ids, err := r.Policy.Converge(ctx, func(ctx context.Context) ([]string, error) {
		return r.ResolveOnce(ctx, q)
	}, timeout, expected)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", q, err)
	}
	log.Printf("[resolver] %s resolved to %d instance(s): %s", q, len(ids), strings.Join(ids, ", "))
	return ids, nil
}
