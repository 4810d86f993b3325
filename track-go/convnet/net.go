package convnet

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/traintrack/traintrack/track-golib/errors"
)

// Fixed topology of the digit classifier: two convolutional stages with
// pooling and dropout followed by two fully-connected stages.
const (
	InputChannels = 1
	InputRows     = 28
	InputCols     = 28

	Conv1Filters = 10
	Conv2Filters = 20
	KernelSize   = 5
	PoolSize     = 2

	// after two valid 5x5 convolutions and two 2x2 poolings a 28x28 input
	// is down to Conv2Filters feature maps of 4x4
	FlattenSize = Conv2Filters * 4 * 4

	HiddenSize = 50
	NumClasses = 10

	DropProb = 0.5
)

// Mode selects whether stochastic regularization layers are active.
type Mode int

const (
	// Train builds the graph with dropout active.
	Train Mode = iota
	// Eval builds the graph without dropout.
	Eval
)

// Param is one named parameter tensor of the net.
type Param struct {
	Name  string
	Value *tensor.Dense
}

// Net holds the parameter tensors of the classifier. The tensors are shared
// by every graph built from the net, so in-place optimizer updates are
// visible to all of them.
type Net struct {
	params []Param
}

// Parameters returns the net's parameters in canonical order.
func (n *Net) Parameters() []Param {
	return n.params
}

// param looks a parameter up by name.
func (n *Net) param(name string) *tensor.Dense {
	for _, p := range n.params {
		if p.Name == name {
			return p.Value
		}
	}
	return nil
}

// Build assembles the forward pass over g for one batch size, binding the
// net's parameter tensors into the graph. It returns the input node, the
// log-probability output node (normalized over the class axis), and the
// parameter nodes in canonical order.
func (n *Net) Build(g *G.ExprGraph, batchSize int, mode Mode) (x, logProbs *G.Node, params G.Nodes, err error) {
	if batchSize <= 0 {
		return nil, nil, nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}

	x = G.NewTensor(g, tensor.Float32, 4,
		G.WithName("x"),
		G.WithShape(batchSize, InputChannels, InputRows, InputCols),
	)

	conv1W := G.NewTensor(g, tensor.Float32, 4,
		G.WithName("conv1/weight"),
		G.WithShape(Conv1Filters, InputChannels, KernelSize, KernelSize),
		G.WithValue(n.param("conv1/weight")),
	)
	conv1B := G.NewVector(g, tensor.Float32,
		G.WithName("conv1/bias"),
		G.WithShape(Conv1Filters),
		G.WithValue(n.param("conv1/bias")),
	)
	conv2W := G.NewTensor(g, tensor.Float32, 4,
		G.WithName("conv2/weight"),
		G.WithShape(Conv2Filters, Conv1Filters, KernelSize, KernelSize),
		G.WithValue(n.param("conv2/weight")),
	)
	conv2B := G.NewVector(g, tensor.Float32,
		G.WithName("conv2/bias"),
		G.WithShape(Conv2Filters),
		G.WithValue(n.param("conv2/bias")),
	)
	fc1W := G.NewMatrix(g, tensor.Float32,
		G.WithName("fc1/weight"),
		G.WithShape(FlattenSize, HiddenSize),
		G.WithValue(n.param("fc1/weight")),
	)
	fc1B := G.NewVector(g, tensor.Float32,
		G.WithName("fc1/bias"),
		G.WithShape(HiddenSize),
		G.WithValue(n.param("fc1/bias")),
	)
	fc2W := G.NewMatrix(g, tensor.Float32,
		G.WithName("fc2/weight"),
		G.WithShape(HiddenSize, NumClasses),
		G.WithValue(n.param("fc2/weight")),
	)
	fc2B := G.NewVector(g, tensor.Float32,
		G.WithName("fc2/bias"),
		G.WithShape(NumClasses),
		G.WithValue(n.param("fc2/bias")),
	)

	// conv stage 1: conv -> pool -> relu
	h, err := G.Conv2d(x, conv1W, tensor.Shape{KernelSize, KernelSize}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build conv1")
	}
	if h, err = G.BroadcastAdd(h, conv1B, nil, []byte{0, 2, 3}); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to add conv1 bias")
	}
	if h, err = G.MaxPool2D(h, tensor.Shape{PoolSize, PoolSize}, []int{0, 0}, []int{PoolSize, PoolSize}); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build pool1")
	}
	if h, err = G.Rectify(h); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build relu1")
	}

	// conv stage 2: conv -> dropout -> pool -> relu
	if h, err = G.Conv2d(h, conv2W, tensor.Shape{KernelSize, KernelSize}, []int{0, 0}, []int{1, 1}, []int{1, 1}); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build conv2")
	}
	if h, err = G.BroadcastAdd(h, conv2B, nil, []byte{0, 2, 3}); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to add conv2 bias")
	}
	if mode == Train {
		if h, err = G.Dropout(h, DropProb); err != nil {
			return nil, nil, nil, errors.Wrapf(err, "unable to build conv2 dropout")
		}
	}
	if h, err = G.MaxPool2D(h, tensor.Shape{PoolSize, PoolSize}, []int{0, 0}, []int{PoolSize, PoolSize}); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build pool2")
	}
	if h, err = G.Rectify(h); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build relu2")
	}

	// fully-connected head
	if h, err = G.Reshape(h, tensor.Shape{batchSize, FlattenSize}); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to flatten conv output")
	}
	if h, err = G.Mul(h, fc1W); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build fc1")
	}
	if h, err = G.BroadcastAdd(h, fc1B, nil, []byte{0}); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to add fc1 bias")
	}
	if h, err = G.Rectify(h); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build fc1 relu")
	}
	if mode == Train {
		if h, err = G.Dropout(h, DropProb); err != nil {
			return nil, nil, nil, errors.Wrapf(err, "unable to build fc1 dropout")
		}
	}
	if h, err = G.Mul(h, fc2W); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build fc2")
	}
	if h, err = G.BroadcastAdd(h, fc2B, nil, []byte{0}); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to add fc2 bias")
	}

	// normalized over the class axis so every row is one distribution
	logProbs, err = G.LogSoftMax(h)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to build log softmax")
	}

	params = G.Nodes{conv1W, conv1B, conv2W, conv2B, fc1W, fc1B, fc2W, fc2B}
	return x, logProbs, params, nil
}
