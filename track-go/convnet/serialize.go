package convnet

import (
	"encoding/gob"
	"io"

	"gorgonia.org/tensor"

	"github.com/traintrack/traintrack/track-golib/errors"
	"github.com/traintrack/traintrack/track-golib/fileutil"
)

const formatVersion = 1

// paramShapes lists the parameters a serialized net must carry, in canonical
// order. Load rejects anything that does not match, so a loaded net is always
// compatible with Build.
var paramShapes = []struct {
	Name  string
	Shape tensor.Shape
}{
	{"conv1/weight", tensor.Shape{Conv1Filters, InputChannels, KernelSize, KernelSize}},
	{"conv1/bias", tensor.Shape{Conv1Filters}},
	{"conv2/weight", tensor.Shape{Conv2Filters, Conv1Filters, KernelSize, KernelSize}},
	{"conv2/bias", tensor.Shape{Conv2Filters}},
	{"fc1/weight", tensor.Shape{FlattenSize, HiddenSize}},
	{"fc1/bias", tensor.Shape{HiddenSize}},
	{"fc2/weight", tensor.Shape{HiddenSize, NumClasses}},
	{"fc2/bias", tensor.Shape{NumClasses}},
}

type savedParam struct {
	Name  string
	Shape []int
	Data  []float32
}

type savedNet struct {
	Version int
	Params  []savedParam
}

// Save writes the net's parameters to w in a self-describing format.
func (n *Net) Save(w io.Writer) error {
	saved := savedNet{Version: formatVersion}
	for _, p := range n.params {
		saved.Params = append(saved.Params, savedParam{
			Name:  p.Name,
			Shape: []int(p.Value.Shape().Clone()),
			Data:  p.Value.Data().([]float32),
		})
	}
	return errors.WrapfOrNil(gob.NewEncoder(w).Encode(saved), "unable to encode model")
}

// SaveFile writes the net to path, creating parent directories as needed.
func (n *Net) SaveFile(path string) (err error) {
	w, err := fileutil.NewBufferedWriter(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", path)
	}
	defer errors.Defer(&err, w.Close)
	return n.Save(w)
}

// Load reads a net written by Save, validating names and shapes against the
// fixed topology.
func Load(r io.Reader) (*Net, error) {
	var saved savedNet
	if err := gob.NewDecoder(r).Decode(&saved); err != nil {
		return nil, errors.Wrapf(err, "unable to decode model")
	}
	if saved.Version != formatVersion {
		return nil, errors.Errorf("unsupported model format version %d", saved.Version)
	}
	if len(saved.Params) != len(paramShapes) {
		return nil, errors.Errorf("model has %d parameters, expected %d", len(saved.Params), len(paramShapes))
	}

	net := &Net{}
	for i, p := range saved.Params {
		want := paramShapes[i]
		if p.Name != want.Name {
			return nil, errors.Errorf("parameter %d is %q, expected %q", i, p.Name, want.Name)
		}
		if !tensor.Shape(p.Shape).Eq(want.Shape) {
			return nil, errors.Errorf("parameter %s has shape %v, expected %v", p.Name, p.Shape, want.Shape)
		}
		if len(p.Data) != want.Shape.TotalSize() {
			return nil, errors.Errorf("parameter %s has %d values, expected %d", p.Name, len(p.Data), want.Shape.TotalSize())
		}
		net.params = append(net.params, Param{
			Name:  p.Name,
			Value: tensor.New(tensor.WithShape(p.Shape...), tensor.WithBacking(p.Data)),
		})
	}
	return net, nil
}

// LoadFile reads a net from path.
func LoadFile(path string) (*Net, error) {
	r, err := fileutil.NewReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	defer r.Close()
	return Load(r)
}
