package mlflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	store := newRESTStore(url)
	store.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return &Client{store: store}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func TestRESTStore_EnsureExperiment_Existing(t *testing.T) {
	var createCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/experiments/get-by-name", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "pytorch_exp_1", r.URL.Query().Get("experiment_name"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"experiment": map[string]string{
				"experiment_id":   "7",
				"name":            "pytorch_exp_1",
				"lifecycle_stage": "active",
			},
		})
	})
	mux.HandleFunc("/api/2.0/mlflow/experiments/create", func(w http.ResponseWriter, r *http.Request) {
		createCalls++
		writeJSON(w, http.StatusOK, map[string]string{"experiment_id": "8"})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	exp, err := newTestClient(server.URL).EnsureExperiment(context.Background(), "pytorch_exp_1")
	require.NoError(t, err)
	assert.Equal(t, "7", exp.ID)
	assert.Zero(t, createCalls, "create must not be called when the experiment exists")
}

func TestRESTStore_EnsureExperiment_CreatesWhenAbsent(t *testing.T) {
	var created bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/experiments/get-by-name", func(w http.ResponseWriter, r *http.Request) {
		if !created {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error_code": "RESOURCE_DOES_NOT_EXIST",
				"message":    "experiment not found",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"experiment": map[string]string{"experiment_id": "3", "name": "pytorch_exp_1"},
		})
	})
	mux.HandleFunc("/api/2.0/mlflow/experiments/create", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pytorch_exp_1", body.Name)
		created = true
		writeJSON(w, http.StatusOK, map[string]string{"experiment_id": "3"})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	exp, err := newTestClient(server.URL).EnsureExperiment(context.Background(), "pytorch_exp_1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "3", exp.ID)
}

func TestRESTStore_EnsureExperiment_PropagatesOtherErrors(t *testing.T) {
	var createCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/experiments/get-by-name", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error_code": "PERMISSION_DENIED",
			"message":    "no access to experiment",
		})
	})
	mux.HandleFunc("/api/2.0/mlflow/experiments/create", func(w http.ResponseWriter, r *http.Request) {
		createCalls++
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := newTestClient(server.URL).EnsureExperiment(context.Background(), "pytorch_exp_1")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "PERMISSION_DENIED")
	assert.Zero(t, createCalls, "creation failures must not be masked by unrelated errors")
}

func TestRESTStore_CreateRunAndLogMetric(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/runs/create", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ExperimentID string `json:"experiment_id"`
			StartTime    int64  `json:"start_time"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "3", body.ExperimentID)
		assert.True(t, body.StartTime > 0)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"run": map[string]interface{}{
				"info": map[string]interface{}{
					"run_id":        "abcdef0123456789",
					"experiment_id": "3",
					"status":        "RUNNING",
					"start_time":    body.StartTime,
					"artifact_uri":  "s3://models/3/abcdef0123456789/artifacts",
				},
			},
		})
	})

	var metric struct {
		RunID     string  `json:"run_id"`
		Key       string  `json:"key"`
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
		Step      int64   `json:"step"`
	}
	mux.HandleFunc("/api/2.0/mlflow/runs/log-metric", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&metric))
		writeJSON(w, http.StatusOK, map[string]string{})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	client := newTestClient(server.URL)

	run, err := client.StartRun(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789", run.ID)
	assert.Equal(t, "s3://models/3/abcdef0123456789/artifacts", run.ArtifactURI)

	require.NoError(t, client.LogMetric(ctx, run, "test_accuracy", 97.5, 938))
	assert.Equal(t, "abcdef0123456789", metric.RunID)
	assert.Equal(t, "test_accuracy", metric.Key)
	assert.Equal(t, 97.5, metric.Value)
	assert.EqualValues(t, 938, metric.Step)
	assert.True(t, metric.Timestamp > 0)
}

func TestRESTStore_RetriesServerErrors(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/runs/log-parameter", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error_code": "INTERNAL_ERROR",
				"message":    "temporary failure",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.LogParam(context.Background(), &Run{ID: "r1"}, "lr", "0.01")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRESTStore_DoesNotRetryClientErrors(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/runs/log-parameter", func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error_code": "INVALID_PARAMETER_VALUE",
			"message":    fmt.Sprintf("bad value on call %d", calls),
		})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.LogParam(context.Background(), &Run{ID: "r1"}, "lr", "nan")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "INVALID_PARAMETER_VALUE")
}
