// Package console builds AWS console links that tell a user where to look
// when resolution or a tunnel fails.
package console

import (
	"fmt"
	"strings"

	"github.com/gluk-w/smssh/internal/fleet"
)

// Domain returns the console host of a region's partition.
func Domain(region string) string {
	switch {
	case strings.HasPrefix(region, "cn-"):
		return region + ".console.amazonaws.cn"
	case strings.HasPrefix(region, "us-gov-"):
		return region + ".console.amazonaws-us-gov.com"
	}
	return region + ".console.aws.amazon.com"
}

// The CloudWatch console takes the log group path double-escaped in its
// fragment: "/" is "$252F", "?" is "$3F" and "=" is "$3D".
func escapeFragment(s string) string {
	return strings.ReplaceAll(s, "/", "$252F")
}

func logGroupURL(region, group, streamFilter string) string {
	u := fmt.Sprintf("https://%s/cloudwatch/home?region=%s#logsV2:log-groups/log-group/%s",
		Domain(region), region, escapeFragment(group))
	if streamFilter != "" {
		u += "$3FlogStreamNameFilter$3D" + escapeFragment(streamFilter)
	}
	return u
}

// LogsURL returns the CloudWatch link of the agent log of a resource.
// Notebook instances have no known log group and get "".
func LogsURL(region string, kind fleet.ResourceKind, name string) string {
	loc, ok := fleet.LogLocationFor(kind, name)
	if !ok {
		return ""
	}
	switch kind {
	case fleet.KindEndpoint:
		return logGroupURL(region, loc.Group, "")
	case fleet.KindApp:
		return logGroupURL(region, loc.Group, loc.StreamFilter)
	}
	return logGroupURL(region, loc.Group, loc.StreamFilter+"/")
}

// StudioLogsURL narrows the studio log group to one user profile or space.
func StudioLogsURL(region, domainID, userOrSpace, appType, appName string) string {
	filter := appType + "/" + appName
	if userOrSpace != "" {
		filter = domainID + "/" + userOrSpace + "/" + filter
	}
	return logGroupURL(region, fleet.LogGroupStudio, filter)
}

// MetadataURL returns the SageMaker console page of a resource.
func MetadataURL(region string, kind fleet.ResourceKind, name string) string {
	var path string
	switch kind {
	case fleet.KindTrainingJob:
		path = "/jobs/" + name
	case fleet.KindProcessingJob:
		path = "/processing-jobs/" + name
	case fleet.KindTransformJob:
		path = "/transform-jobs/" + name
	case fleet.KindEndpoint:
		path = "/endpoints/" + name
	case fleet.KindNotebookInstance:
		path = "/notebook-instances/" + name
	default:
		return ""
	}
	return fmt.Sprintf("https://%s/sagemaker/home?region=%s#%s", Domain(region), region, path)
}

// StudioMetadataURL returns the console page of a Studio user profile or
// space.
func StudioMetadataURL(region, domainID, userOrSpace string, isUserProfile bool) string {
	scope := "space"
	if isUserProfile {
		scope = "user"
	}
	return fmt.Sprintf("https://%s/sagemaker/home?region=%s#/studio/%s/%s/%s",
		Domain(region), region, domainID, scope, userOrSpace)
}

// Hint joins the non-empty links of a resource into one diagnostic line.
func Hint(region string, kind fleet.ResourceKind, name string) string {
	var parts []string
	if u := LogsURL(region, kind, name); u != "" {
		parts = append(parts, "logs: "+u)
	}
	if u := MetadataURL(region, kind, name); u != "" {
		parts = append(parts, "metadata: "+u)
	}
	return strings.Join(parts, " ")
}
