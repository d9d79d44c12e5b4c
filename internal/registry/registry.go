// Package registry reads and prunes the fleet of managed instances kept by
// AWS Systems Manager.
//
// Client is stateless: every ListAll call re-scans the whole fleet, one page
// of DescribeInstanceInformation at a time, and fetches the tags of each
// instance with a separate ListTagsForResource call. That is O(N) calls for
// N instances, which is fine for fleets in the hundreds.
//
// TODO: filter on the SSHResourceArn tag server-side once the registry
// supports tag filters for managed instances, instead of scanning.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/gluk-w/smssh/internal/fleet"
)

// pageSize is the DescribeInstanceInformation page size.
const pageSize = 50

// ErrRegistryUnavailable wraps every error returned by the registry API.
var ErrRegistryUnavailable = errors.New("fleet registry unavailable")

// API is the subset of the SSM client used by Client.
type API interface {
	DescribeInstanceInformation(ctx context.Context, in *ssm.DescribeInstanceInformationInput, optFns ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error)
	ListTagsForResource(ctx context.Context, in *ssm.ListTagsForResourceInput, optFns ...func(*ssm.Options)) (*ssm.ListTagsForResourceOutput, error)
	DeregisterManagedInstance(ctx context.Context, in *ssm.DeregisterManagedInstanceInput, optFns ...func(*ssm.Options)) (*ssm.DeregisterManagedInstanceOutput, error)
}

// Lister is what resolvers and the reaper need from the registry.
type Lister interface {
	ListAll(ctx context.Context) (map[string]fleet.Record, error)
}

// Client is the fleet registry client. It is safe for concurrent use.
type Client struct {
	api    API
	region string
}

// New wraps an SSM API implementation.
func New(api API, region string) *Client {
	return &Client{api: api, region: region}
}

// NewFromRegion loads the shared AWS configuration, optionally overriding the
// region, and builds a Client on top of it.
func NewFromRegion(ctx context.Context, region string) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg), cfg.Region), nil
}

// Region returns the AWS region the client talks to.
func (c *Client) Region() string {
	return c.region
}

// ListAll returns every managed instance keyed by id, with tags and ping
// status merged into one record. Errors are not retried.
func (c *Client) ListAll(ctx context.Context) (map[string]fleet.Record, error) {
	result := make(map[string]fleet.Record)

	var token *string
	for {
		out, err := c.api.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
			Filters: []types.InstanceInformationStringFilter{{
				Key:    aws.String("ResourceType"),
				Values: []string{"ManagedInstance"},
			}},
			MaxResults: aws.Int32(pageSize),
			NextToken:  token,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: describe instance information: %v", ErrRegistryUnavailable, err)
		}

		for _, info := range out.InstanceInformationList {
			id := aws.ToString(info.InstanceId)
			if id == "" {
				continue
			}
			tags, err := c.listTags(ctx, id)
			if err != nil {
				return nil, err
			}
			rec := fleet.NewRecord(id, tags, fleet.PingStatus(info.PingStatus))
			rec.ComputerName = aws.ToString(info.ComputerName)
			rec.IAMRole = aws.ToString(info.IamRole)
			rec.PlatformName = aws.ToString(info.PlatformName)
			rec.LastPing = aws.ToTime(info.LastPingDateTime)
			result[id] = rec
		}

		token = out.NextToken
		if token == nil || *token == "" {
			break
		}
	}

	return result, nil
}

func (c *Client) listTags(ctx context.Context, id string) (map[string]string, error) {
	out, err := c.api.ListTagsForResource(ctx, &ssm.ListTagsForResourceInput{
		ResourceType: types.ResourceTypeForTaggingManagedInstance,
		ResourceId:   aws.String(id),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list tags for %s: %v", ErrRegistryUnavailable, id, err)
	}
	tags := make(map[string]string, len(out.TagList))
	for _, tag := range out.TagList {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return tags, nil
}

// Deregister removes one managed instance from the registry. It reports
// false when the call fails or the response status is not 200; the error
// carries the reason.
func (c *Client) Deregister(ctx context.Context, id string) (bool, error) {
	out, err := c.api.DeregisterManagedInstance(ctx, &ssm.DeregisterManagedInstanceInput{
		InstanceId: aws.String(id),
	})
	if err != nil {
		return false, fmt.Errorf("%w: deregister %s: %v", ErrRegistryUnavailable, id, err)
	}
	if status := responseStatus(out); status != 0 && status != http.StatusOK {
		return false, fmt.Errorf("deregister %s: unexpected status %d", id, status)
	}
	log.Printf("[registry] deregistered managed instance %s", id)
	return true, nil
}

// responseStatus returns the HTTP status of the raw response, or 0 when the
// output carries no transport metadata.
func responseStatus(out *ssm.DeregisterManagedInstanceOutput) int {
	if out == nil {
		return 0
	}
	raw, ok := awsmiddleware.GetRawResponse(out.ResultMetadata).(*smithyhttp.Response)
	if !ok || raw == nil || raw.Response == nil {
		return 0
	}
	return raw.StatusCode
}

// SortedIDs returns the keys of a snapshot in lexical order, so that callers
// iterating a snapshot get a stable order.
func SortedIDs(snapshot map[string]fleet.Record) []string {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
