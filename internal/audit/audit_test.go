package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/smssh/internal/database"
)

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	// a temp file so every pooled connection sees the same data
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return NewAuditor(db, 90)
}

func TestNewAuditor_RetentionDays(t *testing.T) {
	a := newTestAuditor(t)
	if a.RetentionDays() != 90 {
		t.Errorf("expected 90 retention days, got %d", a.RetentionDays())
	}
	if NewAuditor(nil, 0).RetentionDays() != DefaultRetentionDays {
		t.Error("expected default retention for 0")
	}
}

func TestLogAndQuery(t *testing.T) {
	a := newTestAuditor(t)

	a.Log(Entry{EventType: EventResolution, ResourceKind: "training-job", ResourceName: "ssh-job", Details: "ids=[mi-1]"})
	a.Log(Entry{EventType: EventTunnelConnected, InstanceID: "mi-1", SessionID: "s-1"})
	a.Log(Entry{EventType: EventCommandExecution, InstanceID: "mi-1", SessionID: "s-1", Details: "cmd=uname"})
	a.Log(Entry{EventType: EventTunnelConnected, InstanceID: "mi-2", SessionID: "s-2"})

	tests := []struct {
		name string
		opts QueryOptions
		want int64
	}{
		{"all", QueryOptions{}, 4},
		{"by event", QueryOptions{EventType: EventTunnelConnected}, 2},
		{"by instance", QueryOptions{InstanceID: "mi-1"}, 2},
		{"by session", QueryOptions{SessionID: "s-2"}, 1},
		{"by resource", QueryOptions{ResourceName: "ssh-job"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Query(tt.opts)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if res.Total != tt.want || int64(len(res.Entries)) != tt.want {
				t.Errorf("got total=%d entries=%d, want %d", res.Total, len(res.Entries), tt.want)
			}
		})
	}

	res, _ := a.Query(QueryOptions{Limit: 1})
	if len(res.Entries) != 1 || res.Entries[0].InstanceID != "mi-2" {
		t.Errorf("expected newest entry first, got %+v", res.Entries)
	}
	if res.Total != 4 || res.Limit != 1 {
		t.Errorf("pagination metadata = %d/%d", res.Total, res.Limit)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Now()

	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -100) })
	a.Log(Entry{EventType: EventReaperRun})
	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -10) })
	a.Log(Entry{EventType: EventReaperRun})
	a.SetNowFunc(func() time.Time { return now })

	n, err := a.PurgeOlderThan(0)
	if err != nil || n != 1 {
		t.Fatalf("PurgeOlderThan(retention) = %d, %v; want 1", n, err)
	}
	n, err = a.PurgeOlderThan(5)
	if err != nil || n != 1 {
		t.Fatalf("PurgeOlderThan(5) = %d, %v; want 1", n, err)
	}
}

func TestHelpers_NoAuditorIsNoop(t *testing.T) {
	t.Cleanup(Install(nil))
	LogResolution("app", "x", nil, time.Second)
	LogReaperRun(1, 0, "mi-1")
}

func TestInstall_Restores(t *testing.T) {
	outer := newTestAuditor(t)
	restoreOuter := Install(outer)
	defer restoreOuter()

	inner := newTestAuditor(t)
	restore := Install(inner)
	if Current() != inner {
		t.Fatal("inner auditor not installed")
	}
	LogWaitLoopTerminated("s-1", "mi-1")
	restore()
	if Current() != outer {
		t.Fatal("outer auditor not restored")
	}

	if res, _ := inner.Query(QueryOptions{}); res.Total != 1 {
		t.Errorf("inner entries = %d, want 1", res.Total)
	}
	if res, _ := outer.Query(QueryOptions{}); res.Total != 0 {
		t.Errorf("outer entries = %d, want 0", res.Total)
	}
}

func TestHelpers_WriteToInstalled(t *testing.T) {
	a := newTestAuditor(t)
	t.Cleanup(Install(a))

	LogResolution("training-job", "ssh-job", []string{"mi-2", "mi-1"}, 1500*time.Millisecond)
	LogTunnelConnected("s-1", "mi-2", 10022)
	LogCommand("s-1", "mi-2", "uname -a", 0, time.Second)
	LogWaitLoopTerminated("s-1", "mi-2")
	LogTunnelDisconnected("s-1", "mi-2", "closed", time.Minute)
	LogDeregistered("mi-9", "old-job", "expired")
	LogReaperRun(2, 1, "mi-8")

	res, err := a.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 7 {
		t.Fatalf("expected 7 entries, got %d", res.Total)
	}

	res, _ = a.Query(QueryOptions{EventType: EventResolution})
	e := res.Entries[0]
	if e.Details != "ids=[mi-2,mi-1]" || e.DurationMs != 1500 {
		t.Errorf("resolution entry = %+v", e)
	}
	res, _ = a.Query(QueryOptions{EventType: EventReaperRun})
	if res.Entries[0].Details != "requested=2 deregistered=1 failed=mi-8" {
		t.Errorf("reaper entry = %+v", res.Entries[0])
	}
}
