package convnet

import (
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// New builds a freshly initialized net. Weights and biases are drawn from
// U(-1/sqrt(fanIn), 1/sqrt(fanIn)) with fanIn taken from the incoming
// connections of each stage, so two nets built from the same seed are
// identical.
func New(seed int64) *Net {
	rng := rand.New(rand.NewSource(seed))

	conv1FanIn := InputChannels * KernelSize * KernelSize
	conv2FanIn := Conv1Filters * KernelSize * KernelSize

	return &Net{params: []Param{
		uniformParam(rng, "conv1/weight", conv1FanIn, Conv1Filters, InputChannels, KernelSize, KernelSize),
		uniformParam(rng, "conv1/bias", conv1FanIn, Conv1Filters),
		uniformParam(rng, "conv2/weight", conv2FanIn, Conv2Filters, Conv1Filters, KernelSize, KernelSize),
		uniformParam(rng, "conv2/bias", conv2FanIn, Conv2Filters),
		uniformParam(rng, "fc1/weight", FlattenSize, FlattenSize, HiddenSize),
		uniformParam(rng, "fc1/bias", FlattenSize, HiddenSize),
		uniformParam(rng, "fc2/weight", HiddenSize, HiddenSize, NumClasses),
		uniformParam(rng, "fc2/bias", HiddenSize, NumClasses),
	}}
}

func uniformParam(rng *rand.Rand, name string, fanIn int, shape ...int) Param {
	size := 1
	for _, d := range shape {
		size *= d
	}
	bound := 1 / math.Sqrt(float64(fanIn))
	backing := make([]float32, size)
	for i := range backing {
		backing[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return Param{
		Name:  name,
		Value: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)),
	}
}
