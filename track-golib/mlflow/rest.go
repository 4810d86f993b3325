package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/traintrack/traintrack/track-golib/errors"
)

const apiPrefix = "/api/2.0/mlflow/"

// restStore speaks the tracking server's HTTP/JSON protocol. Transient
// failures (network errors, 5xx) are retried with capped exponential
// backoff; structured 4xx errors are returned as-is so callers can inspect
// their error code.
type restStore struct {
	endpoint string
	client   *http.Client

	newBackOff func() backoff.BackOff
}

func newRESTStore(endpoint string) *restStore {
	return &restStore{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
}

type runInfoJSON struct {
	RunID        string `json:"run_id"`
	RunUUID      string `json:"run_uuid"`
	ExperimentID string `json:"experiment_id"`
	Status       string `json:"status"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time,omitempty"`
	ArtifactURI  string `json:"artifact_uri"`
}

func (s *restStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	query := url.Values{"experiment_name": []string{name}}
	var resp struct {
		Experiment Experiment `json:"experiment"`
	}
	if err := s.get(ctx, "experiments/get-by-name", query, &resp); err != nil {
		return nil, err
	}
	return &resp.Experiment, nil
}

func (s *restStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	req := struct {
		Name string `json:"name"`
	}{Name: name}
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := s.post(ctx, "experiments/create", req, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

func (s *restStore) CreateRun(ctx context.Context, experimentID string) (*Run, error) {
	req := struct {
		ExperimentID string `json:"experiment_id"`
		StartTime    int64  `json:"start_time"`
	}{ExperimentID: experimentID, StartTime: nowMillis()}

	var resp struct {
		Run struct {
			Info runInfoJSON `json:"info"`
		} `json:"run"`
	}
	if err := s.post(ctx, "runs/create", req, &resp); err != nil {
		return nil, err
	}

	info := resp.Run.Info
	runID := info.RunID
	if runID == "" {
		runID = info.RunUUID
	}
	return &Run{
		ID:           runID,
		ExperimentID: info.ExperimentID,
		ArtifactURI:  info.ArtifactURI,
		StartTime:    info.StartTime,
		Status:       info.Status,
	}, nil
}

func (s *restStore) LogParam(ctx context.Context, runID, key, value string) error {
	req := struct {
		RunID string `json:"run_id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}{RunID: runID, Key: key, Value: value}
	return s.post(ctx, "runs/log-parameter", req, nil)
}

func (s *restStore) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	req := struct {
		RunID     string  `json:"run_id"`
		Key       string  `json:"key"`
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
		Step      int64   `json:"step"`
	}{RunID: runID, Key: key, Value: value, Timestamp: nowMillis(), Step: step}
	return s.post(ctx, "runs/log-metric", req, nil)
}

func (s *restStore) SetTag(ctx context.Context, runID, key, value string) error {
	req := struct {
		RunID string `json:"run_id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}{RunID: runID, Key: key, Value: value}
	return s.post(ctx, "runs/set-tag", req, nil)
}

func (s *restStore) EndRun(ctx context.Context, runID, status string) error {
	req := struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		EndTime int64  `json:"end_time"`
	}{RunID: runID, Status: status, EndTime: nowMillis()}
	return s.post(ctx, "runs/update", req, nil)
}

func (s *restStore) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := s.endpoint + apiPrefix + path + "?" + query.Encode()
	return s.do(ctx, http.MethodGet, u, nil, out)
}

func (s *restStore) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "unable to marshal %s request", path)
	}
	return s.do(ctx, http.MethodPost, s.endpoint+apiPrefix+path, body, out)
}

func (s *restStore) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := &apiError{HTTPStatus: resp.StatusCode}
			if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" && apiErr.Code == "" {
				apiErr.Message = strings.TrimSpace(string(data))
			}
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(errors.Wrapf(err, "unable to unmarshal response"))
			}
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx))
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
