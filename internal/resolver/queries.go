package resolver

import (
	"regexp"

	"github.com/gluk-w/smssh/internal/fleet"
)

// TrainingQuery selects the nodes of a training job.
func TrainingQuery(jobName string, notBefore int64) Query {
	return Query{Kind: fleet.KindTrainingJob, Name: jobName, NotBefore: notBefore}
}

// ProcessingQuery selects the nodes of a processing job.
func ProcessingQuery(jobName string, notBefore int64) Query {
	return Query{Kind: fleet.KindProcessingJob, Name: jobName, NotBefore: notBefore}
}

// TransformQuery selects the nodes of a batch transform job.
func TransformQuery(jobName string, notBefore int64) Query {
	return Query{Kind: fleet.KindTransformJob, Name: jobName, NotBefore: notBefore}
}

// NotebookQuery selects a notebook instance.
func NotebookQuery(name string) Query {
	return Query{Kind: fleet.KindNotebookInstance, Name: name}
}

// StudioAppQuery selects a Studio app of one user profile or space. App
// names repeat across domains and users, so the ARN must contain
// ":app/<domain>/<userOrSpace>/". An empty domain matches any domain.
func StudioAppQuery(domainID, userOrSpace, appName string) Query {
	domain := ".*"
	if domainID != "" {
		domain = regexp.QuoteMeta(domainID)
	}
	return Query{
		Kind:      fleet.KindApp,
		Name:      appName,
		ARNFilter: ":app/" + domain + "/" + regexp.QuoteMeta(userOrSpace) + "/",
	}
}
