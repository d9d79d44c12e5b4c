package resolver

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/registry"
)

const studioApp = "sagemaker-data-science-ml-m5-large-1234567890abcdef0"

// fakeLister returns the snapshots in order and repeats the last one.
type fakeLister struct {
	mu        sync.Mutex
	snapshots []map[string]fleet.Record
	err       error
	calls     int
}

func (f *fakeLister) ListAll(context.Context) (map[string]fleet.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.snapshots) == 0 {
		return map[string]fleet.Record{}, nil
	}
	i := f.calls - 1
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	}
	return f.snapshots[i], nil
}

func rec(id, name, arn string, ts int64) fleet.Record {
	tags := map[string]string{}
	if name != "" {
		tags[fleet.TagResourceName] = name
	}
	if arn != "" {
		tags[fleet.TagResourceARN] = arn
	}
	if ts != 0 {
		tags[fleet.TagTimestamp] = strconv.FormatInt(ts, 10)
	}
	return fleet.NewRecord(id, tags, fleet.PingOnline)
}

func snapshot(recs ...fleet.Record) map[string]fleet.Record {
	m := make(map[string]fleet.Record, len(recs))
	for _, r := range recs {
		m[r.ID] = r
	}
	return m
}

func fixtureFleet() map[string]fleet.Record {
	const prefix = "arn:aws:sagemaker:eu-west-1:555555555555:"
	return snapshot(
		fleet.NewRecord("mi-01234567890abcd00", nil, ""),
		rec("mi-01234567890abcd01", "ssh-job", prefix+"training-job/ssh-job", 1677072061),
		rec("mi-01234567890abcd02", "ssh-job", prefix+"training-job/ssh-job", 1677072061),
		rec("mi-01234567890abcd03", "ssh-job", prefix+"processing-job/ssh-job", 1677071209),
		rec("mi-01234567890abcd04", "ssh-job", prefix+"transform-job/ssh-job", 1677069966),
		rec("mi-01234567890abcd05", "", "", 1677073892),
		rec("mi-01234567890abcd06", "ssh-training", prefix+"training-job/ssh-training", 1677077641),
		rec("mi-01234567890abcd07", studioApp,
			prefix+"app/d-0123456789ab/default-1111111111111/KernelGateway/"+studioApp, 1677077641),
	)
}

func testPolicy() Policy {
	return Policy{
		PollInterval:    10 * time.Second,
		CatchUpInterval: 30 * time.Second,
		CatchUpAttempts: 5,
		Clock:           testclock.NewDilatedWallClock(time.Millisecond),
	}
}

func TestResolve_Scenario(t *testing.T) {
	r := &Resolver{Registry: &fakeLister{snapshots: []map[string]fleet.Record{fixtureFleet()}}, Policy: testPolicy()}
	ctx := context.Background()

	tests := []struct {
		name     string
		query    Query
		expected int
		want     []string
	}{
		{"training nodes", TrainingQuery("ssh-job", 0), 2,
			[]string{"mi-01234567890abcd01", "mi-01234567890abcd02"}},
		{"processing", ProcessingQuery("ssh-job", 0), 1, []string{"mi-01234567890abcd03"}},
		{"transform", TransformQuery("ssh-job", 0), 1, []string{"mi-01234567890abcd04"}},
		{"studio app", StudioAppQuery("", "default-1111111111111", studioApp), 1, []string{"mi-01234567890abcd07"}},
		{"app name as training job", TrainingQuery(studioApp, 0), 1, nil},
		{"job name as app", Query{Kind: fleet.KindApp, Name: "ssh-job"}, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.query, 0, tt.expected)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if len(got) != len(tt.want) || (len(got) > 0 && !reflect.DeepEqual(got, tt.want)) {
				t.Errorf("Resolve(%s) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestMatch_ExactNameAndType(t *testing.T) {
	const prefix = "arn:aws:sagemaker:eu-west-1:555555555555:"
	snap := snapshot(
		rec("mi-1", "job", prefix+"training-job/job", 10),
		rec("mi-2", "job", prefix+"processing-job/job", 10),
		rec("mi-3", "job-2", prefix+"training-job/job-2", 10),
		rec("mi-4", "job", prefix+"training-job/other-job", 10),
		rec("mi-5", "", prefix+"training-job/job", 10),
		rec("mi-6", "job", "", 10),
	)
	got, err := Match(snap, TrainingQuery("job", 0))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if ids := fleet.IDs(got); !reflect.DeepEqual(ids, []string{"mi-1"}) {
		t.Errorf("Match = %v, want [mi-1]", ids)
	}
}

func TestMatch_NewestFirst(t *testing.T) {
	arn := "arn:aws:sagemaker:eu-west-1:555555555555:app/d-0123456789ab/default-1111111111111/KernelGateway/" + studioApp
	snap := snapshot(
		rec("mi-01234567890abcd07", studioApp, arn, 2),
		rec("mi-01234567890abcd08", studioApp, arn, 3),
		rec("mi-01234567890abcd09", studioApp, arn, 1),
		rec("mi-01234567890abcd10", studioApp, arn, 0),
	)
	got, err := Match(snap, Query{Kind: fleet.KindApp, Name: studioApp})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	want := []string{"mi-01234567890abcd08", "mi-01234567890abcd07", "mi-01234567890abcd09", "mi-01234567890abcd10"}
	if ids := fleet.IDs(got); !reflect.DeepEqual(ids, want) {
		t.Errorf("Match = %v, want %v", ids, want)
	}
}

func TestMatch_NotBefore(t *testing.T) {
	arn := "arn:aws:sagemaker:eu-west-1:555555555555:training-job/job"
	snap := snapshot(
		rec("mi-old", "job", arn, 1000),
		rec("mi-new", "job", arn, 2000),
		rec("mi-none", "job", arn, 0),
	)
	got, err := Match(snap, TrainingQuery("job", 1500))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if ids := fleet.IDs(got); !reflect.DeepEqual(ids, []string{"mi-new"}) {
		t.Errorf("Match = %v, want [mi-new]", ids)
	}
}

func TestMatch_ARNFilterDisambiguatesDomainAndUser(t *testing.T) {
	const prefix = "arn:aws:sagemaker:eu-west-1:555555555555:app/"
	snap := snapshot(
		rec("mi-07", studioApp, prefix+"d-0123456789ab/default-1111111111111/KernelGateway/"+studioApp, 2),
		rec("mi-08", studioApp, prefix+"d-0123456789bc/default-1111111111111/KernelGateway/"+studioApp, 3),
		rec("mi-09", studioApp, prefix+"d-0123456789ab/default-5555555555555/KernelGateway/"+studioApp, 1),
	)

	tests := []struct {
		domain, user string
		want         []string
	}{
		{"d-0123456789ab", "default-1111111111111", []string{"mi-07"}},
		{"d-0123456789bc", "default-1111111111111", []string{"mi-08"}},
		{"", "default-1111111111111", []string{"mi-08", "mi-07"}},
		{"d-0123456789ab", "default-5555555555555", []string{"mi-09"}},
	}
	for _, tt := range tests {
		got, err := Match(snap, StudioAppQuery(tt.domain, tt.user, studioApp))
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if ids := fleet.IDs(got); !reflect.DeepEqual(ids, tt.want) {
			t.Errorf("domain=%q user=%q: got %v, want %v", tt.domain, tt.user, ids, tt.want)
		}
	}
}

func TestMatch_InvalidARNFilter(t *testing.T) {
	if _, err := Match(fixtureFleet(), Query{Kind: fleet.KindApp, Name: "x", ARNFilter: "("}); err == nil {
		t.Fatal("expected error for invalid regexp")
	}
}

func TestResolve_ConvergesToExpectedCount(t *testing.T) {
	arn := "arn:aws:sagemaker:eu-west-1:555555555555:training-job/job"
	lister := &fakeLister{snapshots: []map[string]fleet.Record{
		snapshot(rec("mi-1", "job", arn, 100)),
		snapshot(rec("mi-1", "job", arn, 100)),
		snapshot(rec("mi-1", "job", arn, 100), rec("mi-2", "job", arn, 101)),
	}}
	r := &Resolver{Registry: lister, Policy: testPolicy()}

	got, err := r.Resolve(context.Background(), TrainingQuery("job", 0), 10*time.Minute, 2)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"mi-2", "mi-1"}) {
		t.Errorf("Resolve = %v, want [mi-2 mi-1]", got)
	}
	if lister.calls != 3 {
		t.Errorf("expected 3 registry scans, got %d", lister.calls)
	}
}

func TestResolve_WaitsForFirstRegistration(t *testing.T) {
	arn := "arn:aws:sagemaker:eu-west-1:555555555555:processing-job/job"
	lister := &fakeLister{snapshots: []map[string]fleet.Record{
		{}, {}, snapshot(rec("mi-1", "job", arn, 100)),
	}}
	r := &Resolver{Registry: lister, Policy: testPolicy()}

	got, err := r.Resolve(context.Background(), ProcessingQuery("job", 0), 5*time.Minute, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"mi-1"}) {
		t.Errorf("Resolve = %v", got)
	}
}

func TestResolve_FewerThanExpectedIsNotAnError(t *testing.T) {
	arn := "arn:aws:sagemaker:eu-west-1:555555555555:training-job/job"
	lister := &fakeLister{snapshots: []map[string]fleet.Record{snapshot(rec("mi-1", "job", arn, 100))}}
	p := testPolicy()
	p.CatchUpAttempts = 2
	r := &Resolver{Registry: lister, Policy: p}

	got, err := r.Resolve(context.Background(), TrainingQuery("job", 0), 10*time.Minute, 3)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Resolve = %v, want one id", got)
	}
	if lister.calls != 3 {
		t.Errorf("expected 1 scan plus 2 catch-up scans, got %d", lister.calls)
	}
}

func TestResolve_EmptyAfterTimeout(t *testing.T) {
	lister := &fakeLister{}
	r := &Resolver{Registry: lister, Policy: testPolicy()}

	got, err := r.Resolve(context.Background(), TrainingQuery("missing", 0), 35*time.Second, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Resolve = %v, want empty", got)
	}
	// one immediate scan plus polls at 10s, 20s, 30s and 40s
	if lister.calls < 4 || lister.calls > 5 {
		t.Errorf("unexpected number of scans: %d", lister.calls)
	}
}

func TestResolve_RegistryErrorPropagates(t *testing.T) {
	lister := &fakeLister{err: registry.ErrRegistryUnavailable}
	r := &Resolver{Registry: lister, Policy: testPolicy()}

	_, err := r.Resolve(context.Background(), TrainingQuery("job", 0), time.Minute, 1)
	if !errors.Is(err, registry.ErrRegistryUnavailable) {
		t.Fatalf("expected ErrRegistryUnavailable, got %v", err)
	}
	if lister.calls != 1 {
		t.Errorf("registry errors must not be retried, got %d calls", lister.calls)
	}
}

func TestResolve_InstanceIDAsNameStillResolves(t *testing.T) {
	arn := "arn:aws:sagemaker:eu-west-1:555555555555:notebook-instance/mi-notebook"
	lister := &fakeLister{snapshots: []map[string]fleet.Record{snapshot(rec("mi-1", "mi-notebook", arn, 1))}}
	r := &Resolver{Registry: lister, Policy: testPolicy()}

	got, err := r.Resolve(context.Background(), NotebookQuery("mi-notebook"), 0, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"mi-1"}) {
		t.Errorf("Resolve = %v", got)
	}
}

func TestResolve_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &Resolver{Registry: &fakeLister{}, Policy: testPolicy()}
	if _, err := r.Resolve(ctx, TrainingQuery("job", 0), time.Hour, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestResolve_RejectsLogOnlyKinds(t *testing.T) {
	lister := &fakeLister{snapshots: []map[string]fleet.Record{fixtureFleet()}}
	r := &Resolver{Registry: lister, Policy: testPolicy()}

	_, err := r.Resolve(context.Background(), Query{Kind: fleet.KindEndpoint, Name: "ssh-endpoint"}, 15*time.Minute, 1)
	if !errors.Is(err, ErrNotInRegistry) {
		t.Fatalf("err = %v, want ErrNotInRegistry", err)
	}
	if lister.calls != 0 {
		t.Errorf("registry scanned %d times for a log-only kind", lister.calls)
	}
}

func TestRecord(t *testing.T) {
	lister := &fakeLister{snapshots: []map[string]fleet.Record{fixtureFleet()}}
	r := New(lister)

	got, ok, err := r.Record(context.Background(), "mi-01234567890abcd03")
	if err != nil || !ok {
		t.Fatalf("Record = %v, %v", ok, err)
	}
	if got.Kind() != fleet.KindProcessingJob || got.ResourceName != "ssh-job" {
		t.Errorf("record = %+v", got)
	}
	if _, ok, _ := r.Record(context.Background(), "mi-missing"); ok {
		t.Error("found an unregistered instance")
	}

	lister.err = errors.New("throttled")
	if _, _, err := r.Record(context.Background(), "mi-01234567890abcd03"); err == nil {
		t.Error("expected registry error")
	}
}
