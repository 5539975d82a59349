// Package computing declares the computing addon interface for batch
// clusters: discovering clusters and running jobs on them.
package computing

import (
	"github.com/pitabwire/addonrt/internal/marshal"
	"github.com/pitabwire/addonrt/internal/operation"
	"github.com/pitabwire/addonrt/model"
)

// InterfaceName is the name persisted in operation identifiers.
const InterfaceName = "computing"

// JobState is the lifecycle state of a job on the remote cluster.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// EnumMembers implements marshal.Enumeration.
func (JobState) EnumMembers() []marshal.EnumMember {
	return []marshal.EnumMember{
		{Name: "QUEUED", Value: JobQueued},
		{Name: "RUNNING", Value: JobRunning},
		{Name: "COMPLETED", Value: JobCompleted},
		{Name: "FAILED", Value: JobFailed},
		{Name: "CANCELLED", Value: JobCancelled},
	}
}

// NoArgs is the parameter record of operations without arguments.
type NoArgs struct{}

// Cluster is one compute target.
type Cluster struct {
	ClusterID   string `json:"cluster_id"`
	ClusterName string `json:"cluster_name"`
	Nodes       int    `json:"nodes"`
}

// ClusterList lists the clusters visible to the integration.
type ClusterList struct {
	Clusters []Cluster `json:"clusters"`
}

// JobArgs submits a script to a cluster.
type JobArgs struct {
	ClusterID string   `json:"cluster_id"`
	Script    string   `json:"script"`
	Arguments []string `json:"arguments,omitempty"`
}

// JobRef names one job.
type JobRef struct {
	JobID string `json:"job_id"`
}

// JobStatus is the observed state of a job.
type JobStatus struct {
	JobID    string   `json:"job_id"`
	State    JobState `json:"state"`
	ExitCode *int     `json:"exit_code" description:"Set once the job has finished"`
}

// Operations is the computing interface with typed handles on its operations.
type Operations struct {
	Interface    *operation.Interface
	ListClusters operation.Operation[NoArgs, ClusterList]
	SubmitJob    operation.Operation[JobArgs, JobRef]
	GetJobStatus operation.Operation[JobRef, JobStatus]
	CancelJob    operation.Operation[JobRef, JobStatus]
}

// Declare builds the computing interface. submit_job is EVENTUAL: callers
// receive the invocation record and poll it for the job reference.
func Declare() (*Operations, error) {
	b := operation.NewInterface(InterfaceName, model.CapabilityAccess|model.CapabilityExecute)
	ops := &Operations{}
	ops.ListClusters, _ = operation.Declare[NoArgs, ClusterList](b,
		"list_clusters", model.KindImmediate, model.CapabilityAccess)
	ops.SubmitJob, _ = operation.Declare[JobArgs, JobRef](b,
		"submit_job", model.KindEventual, model.CapabilityExecute)
	ops.GetJobStatus, _ = operation.Declare[JobRef, JobStatus](b,
		"get_job_status", model.KindImmediate, model.CapabilityAccess)
	ops.CancelJob, _ = operation.Declare[JobRef, JobStatus](b,
		"cancel_job", model.KindImmediate, model.CapabilityExecute)

	iface, err := b.Build()
	if err != nil {
		return nil, err
	}
	ops.Interface = iface
	return ops, nil
}
