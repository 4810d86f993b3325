package mlflow

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/traintrack/traintrack/track-golib/errors"
	yaml "gopkg.in/yaml.v2"
)

// fileStore records runs in a local mlruns directory, mirroring the layout
// the tracking backend itself uses for its filesystem store: one directory
// per experiment with a meta.yaml, one directory per run with meta.yaml,
// metrics/, params/, tags/ and artifacts/.
type fileStore struct {
	root string
}

func newFileStore(root string) *fileStore {
	return &fileStore{root: root}
}

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	ExperimentID     string `yaml:"experiment_id"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

type runMeta struct {
	ArtifactURI    string `yaml:"artifact_uri"`
	EndTime        int64  `yaml:"end_time"`
	ExperimentID   string `yaml:"experiment_id"`
	LifecycleStage string `yaml:"lifecycle_stage"`
	RunID          string `yaml:"run_id"`
	RunUUID        string `yaml:"run_uuid"`
	StartTime      int64  `yaml:"start_time"`
	Status         string `yaml:"status"`
	UserID         string `yaml:"user_id"`
}

func (s *fileStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	entries, err := ioutil.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, notFoundError("experiment %q does not exist", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read run store %s", s.root)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readExperimentMeta(entry.Name())
		if err != nil {
			continue
		}
		if meta.Name == name {
			return &Experiment{
				ID:               meta.ExperimentID,
				Name:             meta.Name,
				ArtifactLocation: meta.ArtifactLocation,
				LifecycleStage:   meta.LifecycleStage,
			}, nil
		}
	}
	return nil, notFoundError("experiment %q does not exist", name)
}

func (s *fileStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return "", errors.Wrapf(err, "unable to create run store %s", s.root)
	}

	nextID := 0
	entries, err := ioutil.ReadDir(s.root)
	if err != nil {
		return "", errors.Wrapf(err, "unable to read run store %s", s.root)
	}
	for _, entry := range entries {
		if id, err := strconv.Atoi(entry.Name()); err == nil && id >= nextID {
			nextID = id + 1
		}
	}

	id := strconv.Itoa(nextID)
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "unable to create experiment dir %s", dir)
	}

	location, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "unable to resolve experiment dir %s", dir)
	}

	meta := experimentMeta{
		ArtifactLocation: location,
		ExperimentID:     id,
		LifecycleStage:   "active",
		Name:             name,
	}
	if err := writeYAML(filepath.Join(dir, "meta.yaml"), meta); err != nil {
		return "", err
	}
	return id, nil
}

func (s *fileStore) CreateRun(ctx context.Context, experimentID string) (*Run, error) {
	if _, err := s.readExperimentMeta(experimentID); err != nil {
		return nil, notFoundError("experiment %q does not exist", experimentID)
	}

	u := uuid.New()
	runID := hex.EncodeToString(u[:])

	runDir := filepath.Join(s.root, experimentID, runID)
	for _, sub := range []string{"artifacts", "metrics", "params", "tags"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0755); err != nil {
			return nil, errors.Wrapf(err, "unable to create run dir %s", runDir)
		}
	}

	artifactURI, err := filepath.Abs(filepath.Join(runDir, "artifacts"))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to resolve run dir %s", runDir)
	}

	meta := runMeta{
		ArtifactURI:    artifactURI,
		ExperimentID:   experimentID,
		LifecycleStage: "active",
		RunID:          runID,
		RunUUID:        runID,
		StartTime:      nowMillis(),
		Status:         RunStatusRunning,
		UserID:         os.Getenv("USER"),
	}
	if err := writeYAML(filepath.Join(runDir, "meta.yaml"), meta); err != nil {
		return nil, err
	}

	return &Run{
		ID:           runID,
		ExperimentID: experimentID,
		ArtifactURI:  artifactURI,
		StartTime:    meta.StartTime,
		Status:       meta.Status,
	}, nil
}

func (s *fileStore) LogParam(ctx context.Context, runID, key, value string) error {
	runDir, err := s.findRun(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(runDir, "params", key)
	return errors.WrapfOrNil(ioutil.WriteFile(path, []byte(value), 0644), "unable to write param %s", key)
}

func (s *fileStore) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	runDir, err := s.findRun(runID)
	if err != nil {
		return err
	}

	path := filepath.Join(runDir, "metrics", key)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "unable to open metric file %s", path)
	}
	defer f.Close()

	line := fmt.Sprintf("%d %s %d\n", nowMillis(), strconv.FormatFloat(value, 'g', -1, 64), step)
	_, err = f.WriteString(line)
	return errors.WrapfOrNil(err, "unable to append metric %s", key)
}

func (s *fileStore) SetTag(ctx context.Context, runID, key, value string) error {
	runDir, err := s.findRun(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(runDir, "tags", key)
	return errors.WrapfOrNil(ioutil.WriteFile(path, []byte(value), 0644), "unable to write tag %s", key)
}

func (s *fileStore) EndRun(ctx context.Context, runID, status string) error {
	runDir, err := s.findRun(runID)
	if err != nil {
		return err
	}

	metaPath := filepath.Join(runDir, "meta.yaml")
	var meta runMeta
	if err := readYAML(metaPath, &meta); err != nil {
		return err
	}
	meta.Status = status
	meta.EndTime = nowMillis()
	return writeYAML(metaPath, meta)
}

func (s *fileStore) readExperimentMeta(experimentID string) (experimentMeta, error) {
	var meta experimentMeta
	err := readYAML(filepath.Join(s.root, experimentID, "meta.yaml"), &meta)
	return meta, err
}

// findRun locates a run directory by ID across all experiments.
func (s *fileStore) findRun(runID string) (string, error) {
	experiments, err := ioutil.ReadDir(s.root)
	if err != nil {
		return "", errors.Wrapf(err, "unable to read run store %s", s.root)
	}
	for _, exp := range experiments {
		if !exp.IsDir() {
			continue
		}
		runDir := filepath.Join(s.root, exp.Name(), runID)
		if info, err := os.Stat(runDir); err == nil && info.IsDir() {
			return runDir, nil
		}
	}
	return "", notFoundError("run %q does not exist", runID)
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "unable to marshal %s", path)
	}
	return errors.WrapfOrNil(ioutil.WriteFile(path, data, 0644), "unable to write %s", path)
}

func readYAML(path string, v interface{}) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "unable to read %s", path)
	}
	return errors.WrapfOrNil(yaml.Unmarshal(data, v), "unable to unmarshal %s", path)
}
