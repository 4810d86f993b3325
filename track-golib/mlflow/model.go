package mlflow

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/traintrack/traintrack/track-golib/condaenv"
	"github.com/traintrack/traintrack/track-golib/errors"
)

// ModelSpec describes a model to package: the serialized model file, the
// serving entry point able to load it, its dependency manifest, and any
// auxiliary files the wrapper needs at serve time.
type ModelSpec struct {
	FlavorName string
	Loader     string
	Format     string
	ModelFile  string
	Env        condaenv.Env
	AuxFiles   map[string]string
}

// MLmodel is the descriptor written at the root of every packaged model
// directory; deployment tooling reads it to pick a flavor and loader.
type MLmodel struct {
	ArtifactPath   string            `yaml:"artifact_path"`
	RunID          string            `yaml:"run_id"`
	UTCTimeCreated string            `yaml:"utc_time_created"`
	Flavors        map[string]Flavor `yaml:"flavors"`
}

// Flavor records how one runtime loads the packaged model.
type Flavor struct {
	Loader   string `yaml:"loader"`
	Data     string `yaml:"data"`
	Format   string `yaml:"format"`
	CondaEnv string `yaml:"conda_env"`
}

// LogModel stages a model directory (MLmodel descriptor, conda.yaml, the
// model file, auxiliary files) and uploads it under the run's artifact root
// at artifactPath. It returns the uploaded model's location.
func (c *Client) LogModel(ctx context.Context, run *Run, artifactPath string, spec ModelSpec) (string, error) {
	staging, err := ioutil.TempDir("", "model-staging")
	if err != nil {
		return "", errors.Wrapf(err, "unable to create model staging dir")
	}
	defer os.RemoveAll(staging)

	dataName := filepath.Base(spec.ModelFile)
	if _, err := copyTo(spec.ModelFile, filepath.Join(staging, dataName)); err != nil {
		return "", errors.Wrapf(err, "unable to stage model file %s", spec.ModelFile)
	}

	if err := condaenv.Write(spec.Env, filepath.Join(staging, "conda.yaml")); err != nil {
		return "", errors.Wrapf(err, "unable to stage conda.yaml")
	}

	for name, src := range spec.AuxFiles {
		if _, err := copyTo(src, filepath.Join(staging, name)); err != nil {
			return "", errors.Wrapf(err, "unable to stage auxiliary file %s", src)
		}
	}

	descriptor := MLmodel{
		ArtifactPath:   artifactPath,
		RunID:          run.ID,
		UTCTimeCreated: time.Now().UTC().Format("2006-01-02 15:04:05.000000"),
		Flavors: map[string]Flavor{
			spec.FlavorName: {
				Loader:   spec.Loader,
				Data:     dataName,
				Format:   spec.Format,
				CondaEnv: "conda.yaml",
			},
		},
	}
	if err := writeYAML(filepath.Join(staging, "MLmodel"), descriptor); err != nil {
		return "", err
	}

	if _, err := c.LogArtifacts(ctx, run, staging, artifactPath); err != nil {
		return "", err
	}
	return ArtifactTarget(run, artifactPath), nil
}
