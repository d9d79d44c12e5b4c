// Package logquery finds managed instance ids in agent logs through
// CloudWatch Logs Insights. It backs resources that do not tag their
// registration (endpoints) and registrations made by older agents.
package logquery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/logutil"
	"github.com/gluk-w/smssh/internal/resolver"
)

const (
	registeredMarker = "Successfully registered the instance with AWS SSM using Managed instance-id"
	ipMarker         = "SSH Helper Log IP: [0-9]+"
	resultLimit      = 20
)

var (
	instanceIDPattern = regexp.MustCompile(`instance-id: (mi-.+)`)
	ipPattern         = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+.*)`)

	// ErrPatternNotFound means a log line passed the query filter but did
	// not have the expected shape. The agent log format changed.
	ErrPatternNotFound = errors.New("log line does not match the expected pattern")

	// ErrQueryTimeout is returned when a query is still running after
	// Client.Timeout.
	ErrQueryTimeout = errors.New("log query did not finish in time")

	errStillRunning = errors.New("query still running")
)

// API is the subset of the CloudWatch Logs client used by Client.
type API interface {
	StartQuery(ctx context.Context, in *cloudwatchlogs.StartQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error)
	GetQueryResults(ctx context.Context, in *cloudwatchlogs.GetQueryResultsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error)
}

// Client runs log queries. Zero durations fall back to the defaults.
type Client struct {
	api API

	Policy       resolver.Policy
	Lookback     time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
	Clock        clock.Clock
}

// New wraps a CloudWatch Logs API implementation.
func New(api API) *Client {
	return &Client{
		api:          api,
		Policy:       resolver.DefaultPolicy(),
		Lookback:     14 * 24 * time.Hour,
		PollInterval: time.Second,
		Timeout:      5 * time.Minute,
		Clock:        clock.WallClock,
	}
}

// NewFromRegion builds a Client from the shared AWS configuration.
func NewFromRegion(ctx context.Context, region string) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(cloudwatchlogs.NewFromConfig(cfg)), nil
}

func (c *Client) clock() clock.Clock {
	if c.Clock == nil {
		return clock.WallClock
	}
	return c.Clock
}

// InstanceIDsOnce returns the ids the agents of loc logged, newest first.
func (c *Client) InstanceIDsOnce(ctx context.Context, loc fleet.LogLocation) ([]string, error) {
	q := fmt.Sprintf("fields @timestamp, @logStream, @message"+
		"| filter @logStream like '%s'"+
		"| filter @message like /%s/"+
		"| sort @timestamp desc"+
		"| limit %d", loc.StreamFilter, registeredMarker, resultLimit)

	messages, err := c.run(ctx, loc.Group, q)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		m := instanceIDPattern.FindStringSubmatch(msg)
		if m == nil {
			return nil, fmt.Errorf("%w: cannot find instance id in %q", ErrPatternNotFound, logutil.Truncate(msg, 200))
		}
		ids = append(ids, m[1])
	}
	return ids, nil
}

// InstanceIDs waits for registrations in the log of loc with the same
// two-phase policy as registry resolution.
func (c *Client) InstanceIDs(ctx context.Context, loc fleet.LogLocation, timeout time.Duration, expected int) ([]string, error) {
	log.Printf("[logquery] looking up instance ids in %s (stream ~ %s), expected %d",
		loc.Group, logutil.SanitizeForLog(loc.StreamFilter), expected)
	if expected < 1 {
		expected = 1
	}
	return c.Policy.Converge(ctx, func(ctx context.Context) ([]string, error) {
		return c.InstanceIDsOnce(ctx, loc)
	}, timeout, expected)
}

// IPAddresses returns the addresses training job nodes logged on startup.
func (c *Client) IPAddresses(ctx context.Context, jobName string) ([]string, error) {
	q := fmt.Sprintf("fields @timestamp, @logStream, @message"+
		"| filter @logStream like '%s'"+
		"| filter @message like /%s/"+
		"| sort @timestamp desc"+
		"| limit %d", jobName, ipMarker, resultLimit)

	messages, err := c.run(ctx, fleet.LogGroupTraining, q)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(messages))
	for _, msg := range messages {
		m := ipPattern.FindStringSubmatch(msg)
		if m == nil {
			return nil, fmt.Errorf("%w: cannot find ip address in %q", ErrPatternNotFound, logutil.Truncate(msg, 200))
		}
		ips = append(ips, m[1])
	}
	return ips, nil
}

// run starts a query and polls until it leaves the running state. It
// returns the @message field of every result row.
func (c *Client) run(ctx context.Context, group, query string) ([]string, error) {
	now := c.clock().Now()
	lookback := c.Lookback
	if lookback <= 0 {
		lookback = 14 * 24 * time.Hour
	}

	started, err := c.api.StartQuery(ctx, &cloudwatchlogs.StartQueryInput{
		LogGroupName: aws.String(group),
		StartTime:    aws.Int64(now.Add(-lookback).Unix()),
		EndTime:      aws.Int64(now.Unix()),
		QueryString:  aws.String(query),
	})
	if err != nil {
		if code, ok := notReadyCode(err); ok {
			log.Printf("[logquery] log group %s not queryable yet (%s), treating as no results", group, code)
			return nil, nil
		}
		return nil, fmt.Errorf("start query on %s: %w", group, err)
	}

	var results *cloudwatchlogs.GetQueryResultsOutput
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			out, err := c.api.GetQueryResults(ctx, &cloudwatchlogs.GetQueryResultsInput{
				QueryId: started.QueryId,
			})
			if err != nil {
				return err
			}
			if out.Status == types.QueryStatusRunning || out.Status == types.QueryStatusScheduled {
				return errStillRunning
			}
			results = out
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errStillRunning)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       c.pollInterval(),
		MaxDuration: c.timeout(),
		Clock:       c.clock(),
		Stop:        ctx.Done(),
	})
	if err != nil {
		switch {
		case retry.IsDurationExceeded(err):
			return nil, fmt.Errorf("%w: query %s on %s", ErrQueryTimeout, aws.ToString(started.QueryId), group)
		case retry.IsRetryStopped(err):
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("get query results on %s: %w", group, err)
	}
	if results.Status != types.QueryStatusComplete {
		return nil, fmt.Errorf("query %s on %s ended with status %s", aws.ToString(started.QueryId), group, results.Status)
	}

	messages := make([]string, 0, len(results.Results))
	for _, row := range results.Results {
		for _, field := range row {
			if aws.ToString(field.Field) == "@message" {
				messages = append(messages, aws.ToString(field.Value))
				break
			}
		}
	}
	return messages, nil
}

func (c *Client) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return time.Second
	}
	return c.PollInterval
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Minute
	}
	return c.Timeout
}

// notReadyCode reports errors that mean the log group is not there yet.
// A query whose window starts before the group was created is rejected as
// malformed.
func notReadyCode(err error) (string, bool) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	switch code := apiErr.ErrorCode(); code {
	case "ResourceNotFoundException", "MalformedQueryException":
		return code, true
	}
	return "", false
}
