package logquery

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/juju/clock/testclock"

	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/resolver"
)

type fakeLogs struct {
	mu          sync.Mutex
	startErr    error
	runningFor  int
	messages    [][]string
	starts      []*cloudwatchlogs.StartQueryInput
	resultCalls int
	queries     int
}

func (f *fakeLogs) StartQuery(_ context.Context, in *cloudwatchlogs.StartQueryInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, in)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &cloudwatchlogs.StartQueryOutput{QueryId: aws.String("q-1")}, nil
}

func (f *fakeLogs) GetQueryResults(_ context.Context, _ *cloudwatchlogs.GetQueryResultsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultCalls++
	if f.resultCalls <= f.runningFor {
		return &cloudwatchlogs.GetQueryResultsOutput{Status: types.QueryStatusRunning}, nil
	}
	var msgs []string
	if len(f.messages) > 0 {
		i := f.queries
		if i >= len(f.messages) {
			i = len(f.messages) - 1
		}
		msgs = f.messages[i]
	}
	f.queries++
	out := &cloudwatchlogs.GetQueryResultsOutput{Status: types.QueryStatusComplete}
	for _, m := range msgs {
		out.Results = append(out.Results, []types.ResultField{
			{Field: aws.String("@timestamp"), Value: aws.String("2024-05-01 12:00:00.000")},
			{Field: aws.String("@logStream"), Value: aws.String("ssh-job/algo-1-1714564800")},
			{Field: aws.String("@message"), Value: aws.String(m)},
			{Field: aws.String("@ptr"), Value: aws.String("ptr")},
		})
	}
	return out, nil
}

func newTestClient(api API) *Client {
	clk := testclock.NewDilatedWallClock(time.Millisecond)
	c := New(api)
	c.Clock = clk
	c.Policy = resolver.Policy{
		PollInterval:    10 * time.Second,
		CatchUpInterval: 30 * time.Second,
		CatchUpAttempts: 5,
		Clock:           clk,
	}
	return c
}

func registered(id string) string {
	return "Successfully registered the instance with AWS SSM using Managed instance-id: " + id
}

func TestInstanceIDsOnce(t *testing.T) {
	api := &fakeLogs{
		runningFor: 2,
		messages:   [][]string{{registered("mi-0002"), registered("mi-0001")}},
	}
	c := newTestClient(api)

	loc, _ := fleet.LogLocationFor(fleet.KindTrainingJob, "ssh-job")
	ids, err := c.InstanceIDsOnce(context.Background(), loc)
	if err != nil {
		t.Fatalf("InstanceIDsOnce: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"mi-0002", "mi-0001"}) {
		t.Errorf("ids = %v", ids)
	}
	if api.resultCalls != 3 {
		t.Errorf("expected 3 result polls, got %d", api.resultCalls)
	}

	in := api.starts[0]
	if aws.ToString(in.LogGroupName) != fleet.LogGroupTraining {
		t.Errorf("log group = %q", aws.ToString(in.LogGroupName))
	}
	q := aws.ToString(in.QueryString)
	for _, want := range []string{"@logStream like 'ssh-job'", "using Managed instance-id/", "sort @timestamp desc", "limit 20"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
	span := aws.ToInt64(in.EndTime) - aws.ToInt64(in.StartTime)
	if span != int64((14 * 24 * time.Hour).Seconds()) {
		t.Errorf("query window = %ds, want two weeks", span)
	}
}

func TestInstanceIDsOnce_PatternNotFound(t *testing.T) {
	api := &fakeLogs{messages: [][]string{{"Successfully registered the instance with AWS SSM using Managed instance-id"}}}
	_, err := newTestClient(api).InstanceIDsOnce(context.Background(), fleet.LogLocation{Group: "g", StreamFilter: "s"})
	if !errors.Is(err, ErrPatternNotFound) {
		t.Fatalf("expected ErrPatternNotFound, got %v", err)
	}
}

func TestInstanceIDsOnce_MissingLogGroupIsEmpty(t *testing.T) {
	for _, code := range []string{"ResourceNotFoundException", "MalformedQueryException"} {
		t.Run(code, func(t *testing.T) {
			api := &fakeLogs{startErr: &smithy.GenericAPIError{Code: code, Message: "nope"}}
			ids, err := newTestClient(api).InstanceIDsOnce(context.Background(), fleet.LogLocation{Group: "g"})
			if err != nil || len(ids) != 0 {
				t.Errorf("got %v, %v; want empty, nil", ids, err)
			}
		})
	}
}

func TestInstanceIDsOnce_OtherErrorsPropagate(t *testing.T) {
	api := &fakeLogs{startErr: &smithy.GenericAPIError{Code: "AccessDeniedException"}}
	if _, err := newTestClient(api).InstanceIDsOnce(context.Background(), fleet.LogLocation{Group: "g"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_Timeout(t *testing.T) {
	api := &fakeLogs{runningFor: 1 << 30}
	c := newTestClient(api)
	c.Timeout = 5 * time.Second
	_, err := c.InstanceIDsOnce(context.Background(), fleet.LogLocation{Group: "g"})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("expected ErrQueryTimeout, got %v", err)
	}
}

func TestInstanceIDs_WaitsForRegistration(t *testing.T) {
	api := &fakeLogs{messages: [][]string{
		{},
		{registered("mi-0001")},
		{registered("mi-0002"), registered("mi-0001")},
	}}
	loc, _ := fleet.LogLocationFor(fleet.KindEndpoint, "my-endpoint")
	ids, err := newTestClient(api).InstanceIDs(context.Background(), loc, 5*time.Minute, 2)
	if err != nil {
		t.Fatalf("InstanceIDs: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"mi-0002", "mi-0001"}) {
		t.Errorf("ids = %v", ids)
	}
	if got := aws.ToString(api.starts[0].LogGroupName); got != "/aws/sagemaker/Endpoints/my-endpoint" {
		t.Errorf("log group = %q", got)
	}
}

func TestIPAddresses(t *testing.T) {
	api := &fakeLogs{messages: [][]string{{
		"SSH Helper Log IP: 10.0.1.15",
		"SSH Helper Log IP: 10.0.1.16 eth0",
	}}}
	ips, err := newTestClient(api).IPAddresses(context.Background(), "ssh-job")
	if err != nil {
		t.Fatalf("IPAddresses: %v", err)
	}
	if !reflect.DeepEqual(ips, []string{"10.0.1.15", "10.0.1.16 eth0"}) {
		t.Errorf("ips = %v", ips)
	}

	api = &fakeLogs{messages: [][]string{{"SSH Helper Log IP: 7"}}}
	if _, err := newTestClient(api).IPAddresses(context.Background(), "ssh-job"); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("expected ErrPatternNotFound, got %v", err)
	}
}
