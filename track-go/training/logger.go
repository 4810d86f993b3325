package training

import (
	"context"

	"github.com/traintrack/traintrack/track-go/convnet"
	"github.com/traintrack/traintrack/track-golib/errors"
	"github.com/traintrack/traintrack/track-golib/mlflow"
	"github.com/traintrack/traintrack/track-golib/tbevents"
)

// RunLogger owns the metric sinks of one run: a local event log and the
// tracking backend. Scalars go to both sinks, weight histograms to the event
// log only. The sinks are independent, so a failure in one does not roll the
// other back; both failures are reported together.
type RunLogger struct {
	writer *tbevents.Writer
	client *mlflow.Client
	run    *mlflow.Run
}

// NewRunLogger ...
func NewRunLogger(writer *tbevents.Writer, client *mlflow.Client, run *mlflow.Run) *RunLogger {
	return &RunLogger{writer: writer, client: client, run: run}
}

// LogScalar writes a scalar metric to both sinks under the same name and step.
func (l *RunLogger) LogScalar(ctx context.Context, name string, value float64, step int64) error {
	werr := errors.WrapfOrNil(l.writer.AddScalar(name, value, step),
		"unable to write %s to event log", name)
	terr := errors.WrapfOrNil(l.client.LogMetric(ctx, l.run, name, value, step),
		"unable to log %s to tracking backend", name)
	return errors.Combine(werr, terr)
}

// LogWeights writes a histogram of each parameter tensor to the event log.
func (l *RunLogger) LogWeights(params []convnet.Param, step int64) error {
	for _, p := range params {
		data := p.Value.Data().([]float32)
		values := make([]float64, len(data))
		for i, v := range data {
			values[i] = float64(v)
		}
		if err := l.writer.AddHistogram("weights/"+p.Name, values, step); err != nil {
			return errors.Wrapf(err, "unable to write histogram for %s", p.Name)
		}
	}
	return nil
}
