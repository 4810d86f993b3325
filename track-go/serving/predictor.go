package serving

import (
	"encoding/base64"
	"log"

	"gocv.io/x/gocv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/traintrack/traintrack/track-go/convnet"
	"github.com/traintrack/traintrack/track-golib/errors"
	"github.com/traintrack/traintrack/track-golib/lazy"
)

// Model serves class predictions from a serialized classifier. A new Model is
// an inert reference to the model file; the network is loaded into memory on
// first use and stays resident until Unload.
type Model struct {
	path   string
	loader *lazy.Loader

	net *convnet.Net
}

// NewModel returns an inert handle on the serialized model at path. The file
// is not read until the first prediction.
func NewModel(path string) *Model {
	m := &Model{path: path}
	m.loader = lazy.NewLoader(m.load, m.unload)
	return m
}

func (m *Model) load() error {
	net, err := convnet.LoadFile(m.path)
	if err != nil {
		return errors.Wrapf(err, "unable to load model from %s", m.path)
	}
	m.net = net
	log.Printf("model initialized from %s", m.path)
	return nil
}

func (m *Model) unload() {
	m.net = nil
}

// Loaded reports whether the network is resident in memory.
func (m *Model) Loaded() bool {
	return m.loader.Loaded()
}

// Unload drops the in-memory network. The handle stays usable, the next
// prediction reloads it from the file.
func (m *Model) Unload() {
	m.loader.Unload()
}

// Predict decodes one base64-encoded single-channel image per input row,
// stacks the rows into a batch and returns the arg-max class per row. Any
// row that fails to decode fails the whole batch; there are no partial
// results.
func (m *Model) Predict(images []string) ([]int64, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if err := m.loader.LoadAndLock(); err != nil {
		return nil, err
	}
	defer m.loader.Unlock()

	batch, err := decodeBatch(images)
	if err != nil {
		return nil, err
	}
	return m.forward(batch)
}

func (m *Model) forward(batch *tensor.Dense) ([]int64, error) {
	n := batch.Shape()[0]
	g := G.NewGraph()
	x, logProbs, _, err := m.net.Build(g, n, convnet.Eval)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build inference graph")
	}
	if err := G.Let(x, batch); err != nil {
		return nil, errors.Wrapf(err, "unable to bind input batch")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrapf(err, "unable to run forward pass")
	}

	out := logProbs.Value().Data().([]float32)
	labels := make([]int64, n)
	for i := range labels {
		row := out[i*convnet.NumClasses : (i+1)*convnet.NumClasses]
		best := 0
		for c, v := range row {
			if v > row[best] {
				best = c
			}
		}
		labels[i] = int64(best)
	}
	return labels, nil
}

// decodeBatch turns base64-encoded image payloads into one batch tensor.
// Pixels are fed to the model in their raw 0..255 range.
func decodeBatch(images []string) (*tensor.Dense, error) {
	pixels := convnet.InputRows * convnet.InputCols
	backing := make([]float32, len(images)*pixels)
	for i, payload := range images {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to decode base64 payload in row %d", i)
		}
		gray, err := decodeGray(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to decode image in row %d", i)
		}
		for j, px := range gray {
			backing[i*pixels+j] = float32(px)
		}
	}
	return tensor.New(
		tensor.WithShape(len(images), convnet.InputChannels, convnet.InputRows, convnet.InputCols),
		tensor.WithBacking(backing),
	), nil
}

// decodeGray decodes encoded image bytes to a single-channel pixel array of
// the dimensions the model accepts.
func decodeGray(raw []byte) ([]byte, error) {
	img, err := gocv.IMDecode(raw, gocv.IMReadGrayScale)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.Errorf("undecodable image payload")
	}
	if img.Rows() != convnet.InputRows || img.Cols() != convnet.InputCols {
		return nil, errors.Errorf("image is %dx%d, expected %dx%d",
			img.Rows(), img.Cols(), convnet.InputRows, convnet.InputCols)
	}
	return img.ToBytes()
}
