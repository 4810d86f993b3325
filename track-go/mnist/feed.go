package mnist

import (
	"math/rand"

	gomnist "github.com/petar/GoMNIST"
	"github.com/traintrack/traintrack/track-golib/errors"
	"gorgonia.org/tensor"
)

// Pixel normalization applied to every training and evaluation batch.
const (
	pixelMean = 0.1307
	pixelStd  = 0.3081
)

// Options configures a Feed.
type Options struct {
	// Shuffle visits examples in a random order, reshuffled on every Reset.
	Shuffle bool
	// Seed drives the shuffle order.
	Seed int64
}

// Feed iterates a dataset in fixed-size batches of normalized float32 image
// tensors shaped [n, 1, rows, cols] with their integer labels. The final
// batch of an epoch may be smaller than the configured batch size.
type Feed struct {
	images     []gomnist.RawImage
	labels     []gomnist.Label
	rows, cols int
	batchSize  int

	shuffle bool
	rng     *rand.Rand
	order   []int

	pos    int
	batchX *tensor.Dense
	batchY []int
}

// NewFeed wraps a loaded set into a batch iterator.
func NewFeed(set *gomnist.Set, batchSize int, opts Options) (*Feed, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(set.Images) == 0 {
		return nil, errors.Errorf("cannot build a feed over an empty set")
	}
	if len(set.Images) != len(set.Labels) {
		return nil, errors.Errorf("set has %d images but %d labels", len(set.Images), len(set.Labels))
	}

	order := make([]int, len(set.Images))
	for i := range order {
		order[i] = i
	}

	f := &Feed{
		images:    set.Images,
		labels:    set.Labels,
		rows:      set.NRow,
		cols:      set.NCol,
		batchSize: batchSize,
		shuffle:   opts.Shuffle,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		order:     order,
	}
	f.Reset()
	return f, nil
}

// Len returns the number of examples in the feed.
func (f *Feed) Len() int {
	return len(f.images)
}

// Batches returns the number of batches per epoch.
func (f *Feed) Batches() int {
	return NumBatches(len(f.images), f.batchSize)
}

// NumBatches is the batch count for n examples at the given batch size, the
// final short batch included.
func NumBatches(n, batchSize int) int {
	return (n + batchSize - 1) / batchSize
}

// Reset rewinds the feed to the start of an epoch, reshuffling the visit
// order for shuffled feeds.
func (f *Feed) Reset() {
	f.pos = 0
	f.batchX = nil
	f.batchY = nil
	if f.shuffle {
		f.rng.Shuffle(len(f.order), func(i, j int) {
			f.order[i], f.order[j] = f.order[j], f.order[i]
		})
	}
}

// Scan advances to the next batch, returning false at the end of the epoch.
func (f *Feed) Scan() bool {
	if f.pos >= len(f.images) {
		return false
	}

	n := f.batchSize
	if remaining := len(f.images) - f.pos; remaining < n {
		n = remaining
	}

	pixels := f.rows * f.cols
	backing := make([]float32, n*pixels)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		idx := f.order[f.pos+i]
		img := f.images[idx]
		for j, px := range img {
			v := float32(px) / 255.0
			backing[i*pixels+j] = (v - pixelMean) / pixelStd
		}
		labels[i] = int(f.labels[idx])
	}

	f.batchX = tensor.New(tensor.WithShape(n, 1, f.rows, f.cols), tensor.WithBacking(backing))
	f.batchY = labels
	f.pos += n
	return true
}

// Batch returns the batch most recently produced by Scan.
func (f *Feed) Batch() (*tensor.Dense, []int) {
	return f.batchX, f.batchY
}
