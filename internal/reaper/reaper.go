// Package reaper finds registrations left behind by resources that are gone
// and removes them from the fleet registry.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/juju/clock"

	"github.com/gluk-w/smssh/internal/audit"
	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/logutil"
	"github.com/gluk-w/smssh/internal/registry"
)

// ErrDeregisterFailed is returned when a batch stops at a failed
// deregistration.
var ErrDeregisterFailed = errors.New("deregistration failed")

// Registry is the part of the registry client the reaper needs.
type Registry interface {
	registry.Lister
	Deregister(ctx context.Context, id string) (bool, error)
}

// Selector narrows expiry candidates. Nil patterns match everything.
// Patterns match from the start of the field, case-insensitively.
type Selector struct {
	ComputerName    *regexp.Regexp
	IAMRole         *regexp.Regexp
	RequireOwnerTag bool
}

// DefaultSelector matches training hosts launched with a SageMaker role that
// carry the owner tag.
func DefaultSelector() Selector {
	return Selector{
		ComputerName:    MustPattern(`algo-[0-9]+`),
		IAMRole:         MustPattern(`.*sagemaker.*`),
		RequireOwnerTag: true,
	}
}

// Pattern compiles expr into a case-insensitive regexp anchored at the
// start of the input.
func Pattern(expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`(?i)^(?:` + expr + `)`)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", expr, err)
	}
	return re, nil
}

// MustPattern is Pattern for constant expressions.
func MustPattern(expr string) *regexp.Regexp {
	re, err := Pattern(expr)
	if err != nil {
		panic(err)
	}
	return re
}

// Match reports whether rec passes every filter of s.
func (s Selector) Match(rec fleet.Record) bool {
	if s.ComputerName != nil && !s.ComputerName.MatchString(rec.ComputerName) {
		return false
	}
	if s.IAMRole != nil && !s.IAMRole.MatchString(rec.IAMRole) {
		return false
	}
	if s.RequireOwnerTag && !rec.HasOwner {
		return false
	}
	return true
}

// BatchResult summarises one DeregisterBatch call.
type BatchResult struct {
	Requested    int      `json:"requested"`
	Deregistered int      `json:"deregistered"`
	Removed      []string `json:"removed,omitempty"`
	FailedID     string   `json:"failed_id,omitempty"`
}

// Reaper lists and removes expired registrations.
type Reaper struct {
	Registry Registry
	Selector Selector
	Clock    clock.Clock
	// Now, when non-zero, replaces the clock as the reference time.
	Now time.Time
}

// New creates a Reaper on the wall clock with an empty selector.
func New(reg Registry) *Reaper {
	return &Reaper{Registry: reg, Clock: clock.WallClock}
}

func (r *Reaper) now() time.Time {
	if !r.Now.IsZero() {
		return r.Now
	}
	if r.Clock == nil {
		return time.Now()
	}
	return r.Clock.Now()
}

// Expired reports whether rec is offline and registered before cutoff.
// A record without a timestamp counts as registered at the epoch.
func Expired(rec fleet.Record, cutoff int64) bool {
	return !rec.Online() && rec.Timestamp < cutoff
}

// ListExpired returns the ids of registrations that are not online and
// older than ageDays, sorted by id.
func (r *Reaper) ListExpired(ctx context.Context, ageDays int) ([]string, error) {
	records, err := r.ExpiredRecords(ctx, ageDays)
	if err != nil {
		return nil, err
	}
	return fleet.IDs(records), nil
}

// ExpiredRecords is ListExpired returning the full records.
func (r *Reaper) ExpiredRecords(ctx context.Context, ageDays int) ([]fleet.Record, error) {
	snapshot, err := r.Registry.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	log.Printf("[reaper] %d registrations in the registry", len(snapshot))

	cutoff := r.now().Unix() - int64(ageDays)*86400
	var expired []fleet.Record
	for _, id := range registry.SortedIDs(snapshot) {
		rec := snapshot[id]
		if !Expired(rec, cutoff) || !r.Selector.Match(rec) {
			continue
		}
		log.Printf("[reaper] expired offline instance %s (timestamp %d, %s)", id, rec.Timestamp, rec.PingStatus)
		expired = append(expired, rec)
	}
	log.Printf("[reaper] %d expired offline instances", len(expired))
	return expired, nil
}

// DeregisterBatch removes ids one by one and stops at the first failure.
// The result counts what was removed before the failure.
func (r *Reaper) DeregisterBatch(ctx context.Context, ids []string) (BatchResult, error) {
	return r.deregister(ctx, ids, nil, "requested")
}

func (r *Reaper) deregister(ctx context.Context, ids []string, names map[string]string, reason string) (BatchResult, error) {
	res := BatchResult{Requested: len(ids)}
	defer func() {
		audit.LogReaperRun(res.Requested, res.Deregistered, res.FailedID)
	}()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok, err := r.Registry.Deregister(ctx, id)
		if err != nil || !ok {
			res.FailedID = id
			if err == nil {
				err = errors.New("registry reported failure")
			}
			log.Printf("[reaper] failed to deregister %s: %s", id, logutil.SanitizeForLog(err.Error()))
			log.Printf("[reaper] deregistered %d of %d instances", res.Deregistered, res.Requested)
			return res, fmt.Errorf("%w: %s after %d of %d: %v", ErrDeregisterFailed, id, res.Deregistered, res.Requested, err)
		}
		res.Deregistered++
		res.Removed = append(res.Removed, id)
		audit.LogDeregistered(id, names[id], reason)
		log.Printf("[reaper] %d: deregistered %s", res.Deregistered, id)
	}
	log.Printf("[reaper] deregistered %d of %d instances", res.Deregistered, res.Requested)
	return res, nil
}

// Run deregisters everything ListExpired returns.
func (r *Reaper) Run(ctx context.Context, ageDays int) (BatchResult, error) {
	records, err := r.ExpiredRecords(ctx, ageDays)
	if err != nil {
		return BatchResult{}, err
	}
	if len(records) == 0 {
		return BatchResult{}, nil
	}
	names := make(map[string]string, len(records))
	for _, rec := range records {
		names[rec.ID] = rec.ResourceName
	}
	return r.deregister(ctx, fleet.IDs(records), names, fmt.Sprintf("offline for more than %d days", ageDays))
}
