// Package fleet holds the typed view of managed-instance registrations.
//
// The registry stores registrations as loose string tags. Record lifts the
// tags this project reads into typed fields and keeps everything else in
// Extra so that newer agents can add tags without breaking older clients.
package fleet

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Well-known tag keys written by the remote agent on registration.
const (
	TagResourceName = "SSHResourceName"
	TagResourceARN  = "SSHResourceArn"
	TagOwner        = "SSHOwner"
	TagCreator      = "SSHCreator"
	TagTimestamp    = "SSHTimestamp"
)

// InstanceIDPrefix is the prefix of every managed instance handle.
const InstanceIDPrefix = "mi-"

// PingStatus is the liveness status reported by the fleet registry.
type PingStatus string

const (
	PingOnline         PingStatus = "Online"
	PingConnectionLost PingStatus = "ConnectionLost"
	PingInactive       PingStatus = "Inactive"
)

// Record is one entry of the fleet registry.
type Record struct {
	ID           string            `json:"id" yaml:"id"`
	ResourceName string            `json:"resource_name,omitempty" yaml:"resource_name,omitempty"`
	ResourceARN  string            `json:"resource_arn,omitempty" yaml:"resource_arn,omitempty"`
	Owner        string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	HasOwner     bool              `json:"-" yaml:"-"`
	Creator      string            `json:"creator,omitempty" yaml:"creator,omitempty"`
	Timestamp    int64             `json:"timestamp" yaml:"timestamp"`
	HasTimestamp bool              `json:"-" yaml:"-"`
	PingStatus   PingStatus        `json:"ping_status" yaml:"ping_status"`
	ComputerName string            `json:"computer_name,omitempty" yaml:"computer_name,omitempty"`
	IAMRole      string            `json:"iam_role,omitempty" yaml:"iam_role,omitempty"`
	PlatformName string            `json:"platform_name,omitempty" yaml:"platform_name,omitempty"`
	LastPing     time.Time         `json:"last_ping,omitempty" yaml:"last_ping,omitempty"`
	Extra        map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// NewRecord builds a Record from a flat tag map. An empty status is treated
// as Online.
func NewRecord(id string, tags map[string]string, status PingStatus) Record {
	rec := Record{ID: id, PingStatus: status}
	if rec.PingStatus == "" {
		rec.PingStatus = PingOnline
	}
	for k, v := range tags {
		switch k {
		case TagResourceName:
			rec.ResourceName = v
		case TagResourceARN:
			rec.ResourceARN = v
		case TagOwner:
			rec.Owner = v
			rec.HasOwner = true
		case TagCreator:
			rec.Creator = v
		case TagTimestamp:
			rec.HasTimestamp = true
			if ts, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				rec.Timestamp = ts
			}
		default:
			if rec.Extra == nil {
				rec.Extra = make(map[string]string)
			}
			rec.Extra[k] = v
		}
	}
	return rec
}

// IsSSHManaged reports whether the record was registered by the SSH agent,
// i.e. it carries both the resource name and the resource ARN.
func (r Record) IsSSHManaged() bool {
	return r.ResourceName != "" && r.ResourceARN != ""
}

// Online reports whether the registry considers the instance reachable.
func (r Record) Online() bool {
	return r.PingStatus == "" || r.PingStatus == PingOnline
}

// Kind returns the resource kind encoded in the record ARN.
func (r Record) Kind() ResourceKind {
	return KindFromARN(r.ResourceARN)
}

// RegisteredAt returns the registration timestamp as a time value, or the
// zero time when the record has no timestamp.
func (r Record) RegisteredAt() time.Time {
	if r.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(r.Timestamp, 0)
}

// SortNewestFirst orders records by descending timestamp. Records with equal
// timestamps keep their relative order.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp > records[j].Timestamp
	})
}

// IDs returns the ids of records in order.
func IDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
