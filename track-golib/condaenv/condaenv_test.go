package condaenv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"
)

func TestAddPipPackages(t *testing.T) {
	env := Default()
	require.NoError(t, AddPipPackages(&env, "Pillow"))

	var pip []string
	for _, dep := range env.Dependencies {
		if dep.Pip != nil {
			pip = dep.Pip
		}
	}
	assert.Equal(t, []string{"mlflow", "Pillow"}, pip)

	// everything else is untouched
	assert.Equal(t, "mlflow-env", env.Name)
	assert.Equal(t, []string{"conda-forge"}, env.Channels)
	assert.Equal(t, "python=3.8.12", env.Dependencies[0].Spec)
	assert.Equal(t, "pip", env.Dependencies[1].Spec)
}

func TestAddPipPackages_NoPipEntry(t *testing.T) {
	env := Env{
		Name:         "bare",
		Dependencies: []Dependency{{Spec: "python=3.8.12"}},
	}
	err := AddPipPackages(&env, "Pillow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pip entry")
}

func TestRoundTrip(t *testing.T) {
	env := Default()
	require.NoError(t, AddPipPackages(&env, "typing-extensions", "Pillow"))

	path := filepath.Join(t.TempDir(), "conda.yaml")
	require.NoError(t, Write(env, path))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestMarshalShape(t *testing.T) {
	data, err := yaml.Marshal(Default())
	require.NoError(t, err)

	// the nested pip entry must serialize as a mapping inside the list
	assert.Contains(t, string(data), "- pip:\n")
	assert.Contains(t, string(data), "- mlflow")
}
