package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombine(t *testing.T) {
	assert.Nil(t, Combine(nil, nil))

	e := New("first")
	f := New("second")

	assert.Equal(t, e, Combine(e, nil))
	assert.Equal(t, f, Combine(nil, f))

	combined := Combine(e, f)
	require.Error(t, combined)
	list, ok := combined.(List)
	require.True(t, ok)
	assert.Len(t, list.Slice(), 2)
	assert.Equal(t, "first\nsecond", combined.Error())

	// combining lists flattens rather than nesting
	nested := Combine(combined, New("third"))
	list, ok = nested.(List)
	require.True(t, ok)
	assert.Len(t, list.Slice(), 3)
}

func TestDefer(t *testing.T) {
	run := func(base error, deferred error) (err error) {
		defer Defer(&err, func() error { return deferred })
		return base
	}

	assert.Nil(t, run(nil, nil))
	assert.EqualError(t, run(New("boom"), nil), "boom")
	assert.EqualError(t, run(nil, New("close failed")), "close failed")
	assert.EqualError(t, run(New("boom"), New("close failed")), "boom\nclose failed")
}
