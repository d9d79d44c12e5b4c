package fleet

// Log groups that receive agent output for each kind of resource.
const (
	LogGroupTraining   = "/aws/sagemaker/TrainingJobs"
	LogGroupProcessing = "/aws/sagemaker/ProcessingJobs"
	LogGroupTransform  = "/aws/sagemaker/TransformJobs"
	LogGroupStudio     = "/aws/sagemaker/studio"
	LogGroupEndpoints  = "/aws/sagemaker/Endpoints/"
)

// LogLocation is a log group plus the stream-name substring that selects
// the streams of one resource inside it.
type LogLocation struct {
	Group        string `json:"group"`
	StreamFilter string `json:"stream_filter"`
}

// LogLocationFor returns where the agent of the named resource writes its
// registration messages. ok is false for kinds that do not log to a known
// group (notebook instances).
func LogLocationFor(kind ResourceKind, name string) (loc LogLocation, ok bool) {
	switch kind {
	case KindTrainingJob:
		return LogLocation{Group: LogGroupTraining, StreamFilter: name}, true
	case KindProcessingJob:
		return LogLocation{Group: LogGroupProcessing, StreamFilter: name}, true
	case KindTransformJob:
		return LogLocation{Group: LogGroupTransform, StreamFilter: name}, true
	case KindEndpoint:
		return LogLocation{Group: LogGroupEndpoints + name, StreamFilter: "AllTraffic/"}, true
	case KindApp:
		return LogLocation{Group: LogGroupStudio, StreamFilter: "KernelGateway/" + name}, true
	}
	return LogLocation{}, false
}
