package mnist

import (
	"testing"

	gomnist "github.com/petar/GoMNIST"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fabricatedSet(n, rows, cols int) *gomnist.Set {
	set := &gomnist.Set{NRow: rows, NCol: cols}
	for i := 0; i < n; i++ {
		img := make(gomnist.RawImage, rows*cols)
		for j := range img {
			img[j] = byte((i + j) % 256)
		}
		set.Images = append(set.Images, img)
		set.Labels = append(set.Labels, gomnist.Label(i%251))
	}
	return set
}

func epochLabels(f *Feed) []int {
	var labels []int
	for f.Scan() {
		_, y := f.Batch()
		labels = append(labels, y...)
	}
	return labels
}

func TestFeed_BatchShapes(t *testing.T) {
	feed, err := NewFeed(fabricatedSet(130, 4, 4), 64, Options{})
	require.NoError(t, err)

	assert.Equal(t, 130, feed.Len())
	assert.Equal(t, 3, feed.Batches())

	var sizes []int
	for feed.Scan() {
		x, y := feed.Batch()
		require.Equal(t, len(y), x.Shape()[0])
		assert.Equal(t, []int{len(y), 1, 4, 4}, []int(x.Shape()))
		sizes = append(sizes, len(y))
	}
	assert.Equal(t, []int{64, 64, 2}, sizes)
}

func TestNumBatches(t *testing.T) {
	assert.Equal(t, 938, NumBatches(60000, 64))
	assert.Equal(t, 10, NumBatches(10000, 1000))
	assert.Equal(t, 1, NumBatches(1, 64))
	assert.Equal(t, 2, NumBatches(65, 64))
}

func TestFeed_Normalization(t *testing.T) {
	set := &gomnist.Set{
		NRow:   2,
		NCol:   2,
		Images: []gomnist.RawImage{{0, 255, 0, 255}},
		Labels: []gomnist.Label{7},
	}

	feed, err := NewFeed(set, 1, Options{})
	require.NoError(t, err)
	require.True(t, feed.Scan())

	x, y := feed.Batch()
	assert.Equal(t, []int{7}, y)

	data := x.Data().([]float32)
	require.Len(t, data, 4)
	assert.InDelta(t, (0.0-0.1307)/0.3081, float64(data[0]), 1e-5)
	assert.InDelta(t, (1.0-0.1307)/0.3081, float64(data[1]), 1e-5)
}

func TestFeed_FixedOrderWithoutShuffle(t *testing.T) {
	set := fabricatedSet(10, 2, 2)
	feed, err := NewFeed(set, 4, Options{})
	require.NoError(t, err)

	labels := epochLabels(feed)
	var want []int
	for i := 0; i < 10; i++ {
		want = append(want, i%251)
	}
	assert.Equal(t, want, labels)
}

func TestFeed_ShuffleDeterminism(t *testing.T) {
	set := fabricatedSet(100, 2, 2)

	a, err := NewFeed(set, 16, Options{Shuffle: true, Seed: 1})
	require.NoError(t, err)
	b, err := NewFeed(set, 16, Options{Shuffle: true, Seed: 1})
	require.NoError(t, err)

	labelsA := epochLabels(a)
	labelsB := epochLabels(b)
	assert.Equal(t, labelsA, labelsB, "equal seeds must visit examples in the same order")

	// every example is still visited exactly once
	seen := make(map[int]int)
	for _, l := range labelsA {
		seen[l]++
	}
	assert.Len(t, labelsA, 100)
	assert.Len(t, seen, 100)
}

func TestFeed_ResetRewinds(t *testing.T) {
	feed, err := NewFeed(fabricatedSet(10, 2, 2), 4, Options{Shuffle: true, Seed: 42})
	require.NoError(t, err)

	first := epochLabels(feed)
	require.Len(t, first, 10)
	require.False(t, feed.Scan())

	feed.Reset()
	second := epochLabels(feed)
	assert.Len(t, second, 10)
}

func TestNewFeed_Validation(t *testing.T) {
	_, err := NewFeed(fabricatedSet(10, 2, 2), 0, Options{})
	assert.Error(t, err)

	_, err = NewFeed(&gomnist.Set{NRow: 2, NCol: 2}, 4, Options{})
	assert.Error(t, err)
}
