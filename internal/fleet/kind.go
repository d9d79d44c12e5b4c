package fleet

import (
	"fmt"
	"strings"
)

// ResourceKind identifies the category of compute resource that owns a
// managed instance registration.
type ResourceKind int

const (
	KindUnknown ResourceKind = iota
	KindTrainingJob
	KindProcessingJob
	KindTransformJob
	KindApp
	KindNotebookInstance
	KindEndpoint
)

// arnTypes maps each kind to the resource-type segment used in its ARN.
var arnTypes = map[ResourceKind]string{
	KindTrainingJob:      "training-job",
	KindProcessingJob:    "processing-job",
	KindTransformJob:     "transform-job",
	KindApp:              "app",
	KindNotebookInstance: "notebook-instance",
	KindEndpoint:         "endpoint",
}

// AllKinds returns the known kinds in display order.
func AllKinds() []ResourceKind {
	return []ResourceKind{
		KindTrainingJob,
		KindProcessingJob,
		KindTransformJob,
		KindApp,
		KindNotebookInstance,
		KindEndpoint,
	}
}

// String returns the ARN resource-type name of the kind.
func (k ResourceKind) String() string {
	if s, ok := arnTypes[k]; ok {
		return s
	}
	return "unknown"
}

// ARNSegment returns the literal ":<type>/" substring that every ARN of this
// kind contains.
func (k ResourceKind) ARNSegment() string {
	return ":" + k.String() + "/"
}

// RegistryResolvable reports whether instances of this kind tag themselves
// with their resource ARN. Endpoints are only discoverable through logs.
func (k ResourceKind) RegistryResolvable() bool {
	switch k {
	case KindTrainingJob, KindProcessingJob, KindTransformJob, KindApp, KindNotebookInstance:
		return true
	default:
		return false
	}
}

// ParseKind accepts either the ARN type name ("training-job") or the short
// aliases used on the command line ("training", "processing", "transform",
// "ide", "notebook", "inference").
func ParseKind(s string) (ResourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "training-job", "training":
		return KindTrainingJob, nil
	case "processing-job", "processing":
		return KindProcessingJob, nil
	case "transform-job", "transform":
		return KindTransformJob, nil
	case "app", "ide", "space-ide", "studio":
		return KindApp, nil
	case "notebook-instance", "notebook":
		return KindNotebookInstance, nil
	case "endpoint", "inference":
		return KindEndpoint, nil
	}
	return KindUnknown, fmt.Errorf("unknown resource kind %q", s)
}

// KindFromARN extracts the resource kind from an ARN such as
// arn:aws:sagemaker:eu-west-1:555555555555:training-job/ssh-job.
func KindFromARN(arn string) ResourceKind {
	for _, k := range AllKinds() {
		if strings.Contains(arn, k.ARNSegment()) {
			return k
		}
	}
	return KindUnknown
}
