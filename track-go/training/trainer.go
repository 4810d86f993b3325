package training

import (
	"context"
	"log"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/traintrack/traintrack/track-go/convnet"
	"github.com/traintrack/traintrack/track-go/mnist"
	"github.com/traintrack/traintrack/track-golib/errors"
)

// Params ...
type Params struct {
	Epochs      int
	LR          float64
	Momentum    float64
	LogInterval int
}

// Inputs ...
type Inputs struct {
	Net    *convnet.Net
	Train  *mnist.Feed
	Test   *mnist.Feed
	Logger *RunLogger
}

// Trainer runs the epoch loop: one pass over the training feed with an
// optimizer step per batch, then an evaluation pass over the test feed.
// Graphs are compiled per batch size and reused across epochs; they all bind
// the same parameter tensors, so the single momentum solver sees one
// coherent set of weights.
type Trainer struct {
	params Params
	in     Inputs

	solver G.Solver
	train  map[int]*trainProgram
	eval   map[int]*evalProgram
}

// NewTrainer ...
func NewTrainer(params Params, in Inputs) (*Trainer, error) {
	if params.Epochs < 0 {
		return nil, errors.Errorf("epochs must be non-negative, got %d", params.Epochs)
	}
	if params.LogInterval <= 0 {
		return nil, errors.Errorf("log interval must be positive, got %d", params.LogInterval)
	}
	if in.Net == nil || in.Train == nil || in.Test == nil || in.Logger == nil {
		return nil, errors.Errorf("net, feeds and logger are all required")
	}

	return &Trainer{
		params: params,
		in:     in,
		solver: G.NewMomentum(G.WithLearnRate(params.LR), G.WithMomentum(params.Momentum)),
		train:  make(map[int]*trainProgram),
		eval:   make(map[int]*evalProgram),
	}, nil
}

// Results ...
type Results struct {
	FinalTestLoss     float64
	FinalTestAccuracy float64
}

// Train runs the configured number of epochs. Epochs count from 1 and metric
// steps advance as epoch*batchesPerEpoch+batchIdx, so step values never
// decrease across the run.
func (t *Trainer) Train(ctx context.Context) (Results, error) {
	var res Results
	for epoch := 1; epoch <= t.params.Epochs; epoch++ {
		if err := t.trainEpoch(ctx, epoch); err != nil {
			return Results{}, errors.Wrapf(err, "unable to train epoch %d", epoch)
		}
		loss, accuracy, err := t.evalEpoch(ctx, epoch)
		if err != nil {
			return Results{}, errors.Wrapf(err, "unable to evaluate epoch %d", epoch)
		}
		res.FinalTestLoss = loss
		res.FinalTestAccuracy = accuracy
	}
	return res, nil
}

// Close releases the compiled graph machines.
func (t *Trainer) Close() error {
	var err error
	for _, p := range t.train {
		err = errors.Combine(err, p.vm.Close())
	}
	for _, p := range t.eval {
		err = errors.Combine(err, p.vm.Close())
	}
	return err
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) error {
	feed := t.in.Train
	batches := feed.Batches()
	feed.Reset()

	for batchIdx := 0; feed.Scan(); batchIdx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		x, labels := feed.Batch()
		loss, err := t.trainBatch(x, labels)
		if err != nil {
			return errors.Wrapf(err, "unable to train batch %d", batchIdx)
		}

		if batchIdx%t.params.LogInterval != 0 {
			continue
		}
		log.Printf("Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f",
			epoch, batchIdx*x.Shape()[0], feed.Len(),
			100*float64(batchIdx)/float64(batches), loss)

		step := int64(epoch*batches + batchIdx)
		if err := t.in.Logger.LogScalar(ctx, "train_loss", loss, step); err != nil {
			return errors.Wrapf(err, "unable to log train loss")
		}
		if err := t.in.Logger.LogWeights(t.in.Net.Parameters(), step); err != nil {
			return errors.Wrapf(err, "unable to log weights")
		}
	}
	return nil
}

func (t *Trainer) trainBatch(x *tensor.Dense, labels []int) (float64, error) {
	prog, err := t.trainProgramFor(x.Shape()[0])
	if err != nil {
		return 0, err
	}

	if err := G.Let(prog.x, x); err != nil {
		return 0, errors.Wrapf(err, "unable to bind batch input")
	}
	prog.setLabels(labels)
	if err := G.Let(prog.y, prog.yDense); err != nil {
		return 0, errors.Wrapf(err, "unable to bind batch labels")
	}

	if err := prog.vm.RunAll(); err != nil {
		return 0, errors.Wrapf(err, "unable to run training step")
	}
	loss := float64(prog.loss.Value().Data().(float32))

	if err := t.solver.Step(G.NodesToValueGrads(prog.params)); err != nil {
		return 0, errors.Wrapf(err, "unable to apply optimizer step")
	}
	prog.vm.Reset()
	return loss, nil
}

// evalEpoch accumulates summed loss and correct predictions over the test
// feed, then emits the mean loss and percentage accuracy once, keyed by
// (epoch+1)*batchesPerEpoch.
func (t *Trainer) evalEpoch(ctx context.Context, epoch int) (float64, float64, error) {
	feed := t.in.Test
	feed.Reset()

	var lossSum float64
	var correct int
	for feed.Scan() {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		x, labels := feed.Batch()
		logProbs, err := t.evalBatch(x)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "unable to evaluate batch")
		}
		loss, c := scoreBatch(logProbs, labels)
		lossSum += loss
		correct += c
	}

	testLoss := lossSum / float64(feed.Len())
	testAccuracy := 100 * float64(correct) / float64(feed.Len())
	log.Printf("Test set: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)",
		testLoss, correct, feed.Len(), testAccuracy)

	step := int64((epoch + 1) * t.in.Train.Batches())
	if err := t.in.Logger.LogScalar(ctx, "test_loss", testLoss, step); err != nil {
		return 0, 0, errors.Wrapf(err, "unable to log test loss")
	}
	if err := t.in.Logger.LogScalar(ctx, "test_accuracy", testAccuracy, step); err != nil {
		return 0, 0, errors.Wrapf(err, "unable to log test accuracy")
	}
	return testLoss, testAccuracy, nil
}

func (t *Trainer) evalBatch(x *tensor.Dense) ([]float32, error) {
	prog, err := t.evalProgramFor(x.Shape()[0])
	if err != nil {
		return nil, err
	}

	if err := G.Let(prog.x, x); err != nil {
		return nil, errors.Wrapf(err, "unable to bind batch input")
	}
	if err := prog.vm.RunAll(); err != nil {
		return nil, errors.Wrapf(err, "unable to run forward pass")
	}
	out := append([]float32(nil), prog.logProbs.Value().Data().([]float32)...)
	prog.vm.Reset()
	return out, nil
}

// scoreBatch sums negative log-likelihood over the batch and counts rows
// whose arg-max class matches the label.
func scoreBatch(logProbs []float32, labels []int) (lossSum float64, correct int) {
	for i, label := range labels {
		row := logProbs[i*convnet.NumClasses : (i+1)*convnet.NumClasses]
		lossSum += -float64(row[label])

		best := 0
		for c, v := range row {
			if v > row[best] {
				best = c
			}
		}
		if best == label {
			correct++
		}
	}
	return lossSum, correct
}

func (t *Trainer) trainProgramFor(batchSize int) (*trainProgram, error) {
	if p, ok := t.train[batchSize]; ok {
		return p, nil
	}
	p, err := newTrainProgram(t.in.Net, batchSize)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build training graph for batch size %d", batchSize)
	}
	t.train[batchSize] = p
	return p, nil
}

func (t *Trainer) evalProgramFor(batchSize int) (*evalProgram, error) {
	if p, ok := t.eval[batchSize]; ok {
		return p, nil
	}
	p, err := newEvalProgram(t.in.Net, batchSize)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build evaluation graph for batch size %d", batchSize)
	}
	t.eval[batchSize] = p
	return p, nil
}

// trainProgram is a compiled training graph for one batch size. The one-hot
// label matrix is a reusable buffer bound to y before every run. Parameter
// nodes stay in canonical order so the solver's per-index state lines up
// across programs.
type trainProgram struct {
	x, y   *G.Node
	loss   *G.Node
	params G.Nodes
	vm     G.VM

	yDense *tensor.Dense
	yBack  []float32
}

func newTrainProgram(net *convnet.Net, batchSize int) (*trainProgram, error) {
	g := G.NewGraph()
	x, logProbs, params, err := net.Build(g, batchSize, convnet.Train)
	if err != nil {
		return nil, err
	}

	y := G.NewMatrix(g, tensor.Float32,
		G.WithName("y"),
		G.WithShape(batchSize, convnet.NumClasses),
	)

	// negative log-likelihood against one-hot labels, averaged over the batch
	neg, err := G.Neg(logProbs)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build loss")
	}
	picked, err := G.HadamardProd(neg, y)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build loss")
	}
	perRow, err := G.Sum(picked, 1)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build loss")
	}
	loss, err := G.Mean(perRow)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build loss")
	}

	if _, err := G.Grad(loss, params...); err != nil {
		return nil, errors.Wrapf(err, "unable to build gradients")
	}

	yBack := make([]float32, batchSize*convnet.NumClasses)
	return &trainProgram{
		x:      x,
		y:      y,
		loss:   loss,
		params: params,
		vm:     G.NewTapeMachine(g, G.BindDualValues(params...)),
		yDense: tensor.New(tensor.WithShape(batchSize, convnet.NumClasses), tensor.WithBacking(yBack)),
		yBack:  yBack,
	}, nil
}

func (p *trainProgram) setLabels(labels []int) {
	for i := range p.yBack {
		p.yBack[i] = 0
	}
	for i, label := range labels {
		p.yBack[i*convnet.NumClasses+label] = 1
	}
}

// evalProgram is a compiled forward-only graph for one batch size. It carries
// no gradient state, so evaluation can never touch the weights.
type evalProgram struct {
	x        *G.Node
	logProbs *G.Node
	vm       G.VM
}

func newEvalProgram(net *convnet.Net, batchSize int) (*evalProgram, error) {
	g := G.NewGraph()
	x, logProbs, _, err := net.Build(g, batchSize, convnet.Eval)
	if err != nil {
		return nil, err
	}
	return &evalProgram{
		x:        x,
		logProbs: logProbs,
		vm:       G.NewTapeMachine(g),
	}, nil
}
