package mlflow

import (
	"context"
	"fmt"

	"github.com/traintrack/traintrack/track-golib/envutil"
	"github.com/traintrack/traintrack/track-golib/errors"
)

// TrackingURLVar is the environment variable naming the tracking server
// endpoint. When it is unset the client records runs in a local mlruns
// directory instead, which is the backend's documented default.
const TrackingURLVar = "TRACKING_URL"

// DefaultLocalRoot is the local run store used when no endpoint is configured.
const DefaultLocalRoot = "mlruns"

// Run statuses understood by the tracking backend.
const (
	RunStatusRunning  = "RUNNING"
	RunStatusFinished = "FINISHED"
	RunStatusFailed   = "FAILED"
)

const codeResourceDoesNotExist = "RESOURCE_DOES_NOT_EXIST"

// Experiment is a named grouping of runs.
type Experiment struct {
	ID               string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location"`
	LifecycleStage   string `json:"lifecycle_stage"`
}

// Run is one tracked execution, created under an experiment.
type Run struct {
	ID           string
	ExperimentID string
	ArtifactURI  string
	StartTime    int64
	Status       string
}

// apiError is a structured failure reported by the tracking backend.
type apiError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("tracking api error (http %d): %s", e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("tracking api error %s: %s", e.Code, e.Message)
}

// IsNotFound reports whether the error says the named resource does not
// exist, as opposed to any other failure. Callers use it to decide between
// create-if-absent and propagating a real error.
func IsNotFound(err error) bool {
	ae, ok := errors.Cause(err).(*apiError)
	return ok && ae.Code == codeResourceDoesNotExist
}

func notFoundError(format string, args ...interface{}) *apiError {
	return &apiError{
		Code:    codeResourceDoesNotExist,
		Message: fmt.Sprintf(format, args...),
	}
}

// store is the tracking surface the client dispatches to: a REST server or
// the local file store.
type store interface {
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)
	CreateExperiment(ctx context.Context, name string) (string, error)
	CreateRun(ctx context.Context, experimentID string) (*Run, error)
	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID, key string, value float64, step int64) error
	SetTag(ctx context.Context, runID, key, value string) error
	EndRun(ctx context.Context, runID, status string) error
}

// Client talks to an experiment-tracking backend.
type Client struct {
	store store
}

// NewClient returns a client for the given endpoint URL, or a client backed
// by the local DefaultLocalRoot directory when endpoint is empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		return &Client{store: newFileStore(DefaultLocalRoot)}
	}
	return &Client{store: newRESTStore(endpoint)}
}

// NewClientFromEnv builds a client from the TrackingURLVar environment
// variable.
func NewClientFromEnv() *Client {
	return NewClient(envutil.GetenvDefault(TrackingURLVar, ""))
}

// NewFileClient returns a client backed by a local run store rooted at root.
func NewFileClient(root string) *Client {
	return &Client{store: newFileStore(root)}
}

// EnsureExperiment returns the experiment with the given name, creating it
// first when it does not exist yet. Lookup failures other than not-found are
// propagated, never swallowed.
func (c *Client) EnsureExperiment(ctx context.Context, name string) (*Experiment, error) {
	exp, err := c.store.GetExperimentByName(ctx, name)
	if err == nil {
		return exp, nil
	}
	if !IsNotFound(err) {
		return nil, errors.Wrapf(err, "unable to look up experiment %s", name)
	}

	if _, err := c.store.CreateExperiment(ctx, name); err != nil {
		return nil, errors.Wrapf(err, "unable to create experiment %s", name)
	}
	exp, err = c.store.GetExperimentByName(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read back experiment %s", name)
	}
	return exp, nil
}

// StartRun creates a new run under the experiment.
func (c *Client) StartRun(ctx context.Context, experimentID string) (*Run, error) {
	run, err := c.store.CreateRun(ctx, experimentID)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create run under experiment %s", experimentID)
	}
	return run, nil
}

// LogParam records one immutable key/value parameter on the run.
func (c *Client) LogParam(ctx context.Context, run *Run, key, value string) error {
	return errors.WrapfOrNil(c.store.LogParam(ctx, run.ID, key, value), "unable to log param %s", key)
}

// LogParams records a set of parameters on the run.
func (c *Client) LogParams(ctx context.Context, run *Run, params map[string]string) error {
	for key, value := range params {
		if err := c.LogParam(ctx, run, key, value); err != nil {
			return err
		}
	}
	return nil
}

// LogMetric records one scalar metric value at a step.
func (c *Client) LogMetric(ctx context.Context, run *Run, key string, value float64, step int64) error {
	return errors.WrapfOrNil(c.store.LogMetric(ctx, run.ID, key, value, step), "unable to log metric %s", key)
}

// SetTag sets one mutable tag on the run.
func (c *Client) SetTag(ctx context.Context, run *Run, key, value string) error {
	return errors.WrapfOrNil(c.store.SetTag(ctx, run.ID, key, value), "unable to set tag %s", key)
}

// EndRun marks the run terminated with the given status.
func (c *Client) EndRun(ctx context.Context, run *Run, status string) error {
	return errors.WrapfOrNil(c.store.EndRun(ctx, run.ID, status), "unable to end run %s", run.ID)
}
