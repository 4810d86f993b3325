package condaenv

import (
	"io/ioutil"

	"github.com/traintrack/traintrack/track-golib/errors"
	yaml "gopkg.in/yaml.v2"
)

// Env is a conda environment manifest, the dependency descriptor shipped
// alongside packaged models so a serving host can recreate their runtime.
type Env struct {
	Name         string       `yaml:"name"`
	Channels     []string     `yaml:"channels"`
	Dependencies []Dependency `yaml:"dependencies"`
}

// Dependency is one entry of a manifest's dependency list: either a plain
// conda package spec, or the nested list of pip-installed packages.
type Dependency struct {
	Spec string
	Pip  []string
}

// MarshalYAML implements yaml.Marshaler
func (d Dependency) MarshalYAML() (interface{}, error) {
	if d.Pip != nil {
		return map[string][]string{"pip": d.Pip}, nil
	}
	return d.Spec, nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Dependency) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var spec string
	if err := unmarshal(&spec); err == nil {
		d.Spec = spec
		return nil
	}

	var nested map[string][]string
	if err := unmarshal(&nested); err != nil {
		return errors.Wrapf(err, "unsupported dependency entry")
	}
	pip, ok := nested["pip"]
	if !ok {
		return errors.Errorf("unsupported nested dependency entry (expected a pip list)")
	}
	d.Pip = pip
	return nil
}

// Default returns the base manifest for packaged models. Callers extend it
// with AddPipPackages before writing it out.
func Default() Env {
	return Env{
		Name:     "mlflow-env",
		Channels: []string{"conda-forge"},
		Dependencies: []Dependency{
			{Spec: "python=3.8.12"},
			{Spec: "pip"},
			{Pip: []string{"mlflow"}},
		},
	}
}

// AddPipPackages appends the given package names to the manifest's pip
// dependency list, leaving every other entry untouched. It returns an error
// when no dependency entry carries a pip list: the caller has to decide what
// a manifest without one means, this package will not invent the entry.
func AddPipPackages(env *Env, packages ...string) error {
	for i := range env.Dependencies {
		if env.Dependencies[i].Pip != nil {
			env.Dependencies[i].Pip = append(env.Dependencies[i].Pip, packages...)
			return nil
		}
	}
	return errors.Errorf("dependency manifest has no pip entry")
}

// Write marshals the manifest to YAML at the given local path.
func Write(env Env, path string) error {
	data, err := yaml.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "unable to marshal conda env")
	}
	return ioutil.WriteFile(path, data, 0644)
}

// Read unmarshals a manifest from a YAML file.
func Read(path string) (Env, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Env{}, errors.Wrapf(err, "unable to read conda env")
	}
	var env Env
	if err := yaml.Unmarshal(data, &env); err != nil {
		return Env{}, errors.Wrapf(err, "unable to unmarshal conda env")
	}
	return env, nil
}
