package computing

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/internal/dispatch"
)

type restJob struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	ExitCode *int   `json:"exit_code"`
}

// NewRESTImplementation binds the computing interface to a scheduler API:
//
//	GET  clusters
//	POST clusters/{id}/jobs
//	GET  jobs/{id}
//	POST jobs/{id}/cancel
func NewRESTImplementation(name string, ops *Operations) (*dispatch.Implementation, error) {
	return dispatch.NewImplementation(name, ops.Interface,
		dispatch.Handle(ops.ListClusters, listClusters),
		dispatch.Handle(ops.SubmitJob, submitJob),
		dispatch.Handle(ops.GetJobStatus, getJobStatus),
		dispatch.Handle(ops.CancelJob, cancelJob),
	)
}

func listClusters(ctx context.Context, env dispatch.Env, _ NoArgs) (ClusterList, error) {
	var body struct {
		Clusters []struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Nodes int    `json:"nodes"`
		} `json:"clusters"`
	}
	if err := env.Network.GetJSON(ctx, "clusters", nil, &body); err != nil {
		return ClusterList{}, err
	}
	out := ClusterList{Clusters: make([]Cluster, 0, len(body.Clusters))}
	for _, c := range body.Clusters {
		out.Clusters = append(out.Clusters, Cluster{ClusterID: c.ID, ClusterName: c.Name, Nodes: c.Nodes})
	}
	return out, nil
}

func submitJob(ctx context.Context, env dispatch.Env, args JobArgs) (JobRef, error) {
	body := map[string]any{"script": args.Script, "args": args.Arguments}
	var job restJob
	if err := env.Network.PostJSON(ctx, "clusters/"+url.PathEscape(args.ClusterID)+"/jobs", body, &job); err != nil {
		return JobRef{}, err
	}
	env.Logger.Info("job submitted", zap.String("job_id", job.ID), zap.String("cluster_id", args.ClusterID))
	return JobRef{JobID: job.ID}, nil
}

func getJobStatus(ctx context.Context, env dispatch.Env, args JobRef) (JobStatus, error) {
	var job restJob
	if err := env.Network.GetJSON(ctx, jobPath(args.JobID), nil, &job); err != nil {
		return JobStatus{}, err
	}
	return job.status(), nil
}

func cancelJob(ctx context.Context, env dispatch.Env, args JobRef) (JobStatus, error) {
	var job restJob
	if err := env.Network.PostJSON(ctx, jobPath(args.JobID)+"/cancel", struct{}{}, &job); err != nil {
		return JobStatus{}, err
	}
	return job.status(), nil
}

func jobPath(id string) string {
	return "jobs/" + url.PathEscape(id)
}

// status maps the scheduler's state names. Unrecognised states are reported
// as queued until the scheduler settles on a known one.
func (j restJob) status() JobStatus {
	state := JobState(j.State)
	switch state {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled:
	default:
		state = JobQueued
	}
	return JobStatus{JobID: j.ID, State: state, ExitCode: j.ExitCode}
}
