package tbevents

import (
	"encoding/binary"
	"io/ioutil"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type decodedHisto struct {
	min, max, num, sum float64
	counts             []float64
	limits             []float64
}

type decodedEvent struct {
	step        int64
	fileVersion string
	scalarTag   string
	scalarValue float32
	histoTag    string
	histo       *decodedHisto
}

// decodeRecords re-reads an event file, verifying the record framing and
// checksums along the way.
func decodeRecords(t *testing.T, path string) []decodedEvent {
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	var events []decodedEvent
	for len(data) > 0 {
		require.True(t, len(data) >= 12, "truncated record header")
		length := binary.LittleEndian.Uint64(data[0:8])
		require.Equal(t, maskedCRC(data[0:8]), binary.LittleEndian.Uint32(data[8:12]), "header crc mismatch")
		data = data[12:]

		require.True(t, uint64(len(data)) >= length+4, "truncated record payload")
		payload := data[:length]
		require.Equal(t, maskedCRC(payload), binary.LittleEndian.Uint32(data[length:length+4]), "payload crc mismatch")
		data = data[length+4:]

		events = append(events, decodeEvent(t, payload))
	}
	return events
}

func decodeEvent(t *testing.T, b []byte) decodedEvent {
	var ev decodedEvent
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.False(t, n < 0)
		b = b[n:]

		switch {
		case num == fieldEventWallTime && typ == protowire.Fixed64Type:
			_, n = protowire.ConsumeFixed64(b)
		case num == fieldEventStep && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			ev.step = int64(v)
		case num == fieldEventFileVersion && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			ev.fileVersion = string(v)
		case num == fieldEventSummary && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			decodeSummary(t, v, &ev)
		default:
			t.Fatalf("unexpected event field %d", num)
		}
		require.False(t, n < 0)
		b = b[n:]
	}
	return ev
}

func decodeSummary(t *testing.T, b []byte, ev *decodedEvent) {
	num, typ, n := protowire.ConsumeTag(b)
	require.False(t, n < 0)
	require.Equal(t, protowire.Number(fieldSummaryValue), num)
	require.Equal(t, protowire.BytesType, typ)

	val, n := protowire.ConsumeBytes(b[n:])
	require.False(t, n < 0)

	for len(val) > 0 {
		num, typ, n := protowire.ConsumeTag(val)
		require.False(t, n < 0)
		val = val[n:]

		switch {
		case num == fieldValueTag && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(val)
			if ev.histo != nil {
				ev.histoTag = string(v)
			} else {
				ev.scalarTag = string(v)
			}
		case num == fieldValueSimpleValue && typ == protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(val)
			ev.scalarValue = math.Float32frombits(v)
		case num == fieldValueHisto && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(val)
			h := decodeHisto(t, v)
			ev.histo = &h
			if ev.scalarTag != "" {
				ev.histoTag, ev.scalarTag = ev.scalarTag, ""
			}
		default:
			t.Fatalf("unexpected summary value field %d", num)
		}
		require.False(t, n < 0)
		val = val[n:]
	}
}

func decodeHisto(t *testing.T, b []byte) decodedHisto {
	var h decodedHisto
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.False(t, n < 0)
		b = b[n:]

		switch {
		case typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			n = m
			f := math.Float64frombits(v)
			switch num {
			case fieldHistoMin:
				h.min = f
			case fieldHistoMax:
				h.max = f
			case fieldHistoNum:
				h.num = f
			case fieldHistoSum:
				h.sum = f
			}
		case typ == protowire.BytesType:
			packed, m := protowire.ConsumeBytes(b)
			n = m
			var vals []float64
			for len(packed) > 0 {
				v, k := protowire.ConsumeFixed64(packed)
				require.False(t, k < 0)
				vals = append(vals, math.Float64frombits(v))
				packed = packed[k:]
			}
			if num == fieldHistoBucketLimit {
				h.limits = vals
			} else {
				h.counts = vals
			}
		default:
			t.Fatalf("unexpected histogram field %d with type %v", num, typ)
		}
		require.False(t, n < 0)
		b = b[n:]
	}
	return h
}

func TestWriter_FileVersionFirst(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	base := filepath.Base(w.Path())
	assert.True(t, strings.HasPrefix(base, "events.out.tfevents."), "unexpected file name %s", base)

	events := decodeRecords(t, w.Path())
	require.Len(t, events, 1)
	assert.Equal(t, "brain.Event:2", events[0].fileVersion)
}

func TestWriter_Scalars(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.AddScalar("train_loss", 2.3025, 0))
	require.NoError(t, w.AddScalar("train_loss", 1.5, 100))
	require.NoError(t, w.AddScalar("test_loss", 0.75, 938))
	require.NoError(t, w.Close())

	events := decodeRecords(t, w.Path())
	require.Len(t, events, 4)

	assert.Equal(t, "train_loss", events[1].scalarTag)
	assert.InDelta(t, 2.3025, float64(events[1].scalarValue), 1e-4)
	assert.EqualValues(t, 0, events[1].step)

	assert.Equal(t, "train_loss", events[2].scalarTag)
	assert.EqualValues(t, 100, events[2].step)

	assert.Equal(t, "test_loss", events[3].scalarTag)
	assert.EqualValues(t, 938, events[3].step)

	// steps non-decreasing in emission order
	for i := 2; i < len(events); i++ {
		assert.True(t, events[i].step >= events[i-1].step)
	}
}

func TestWriter_Histogram(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	values := []float64{-0.5, -0.25, 0.1, 0.25, 0.5, 1.0}
	require.NoError(t, w.AddHistogram("weights/conv1/weight", values, 42))
	require.NoError(t, w.Close())

	events := decodeRecords(t, w.Path())
	require.Len(t, events, 2)

	ev := events[1]
	require.NotNil(t, ev.histo)
	assert.Equal(t, "weights/conv1/weight", ev.histoTag)
	assert.EqualValues(t, 42, ev.step)
	assert.Equal(t, float64(len(values)), ev.histo.num)
	assert.InDelta(t, 1.1, ev.histo.sum, 1e-9)
	assert.Equal(t, -0.5, ev.histo.min)
	assert.Equal(t, 1.0, ev.histo.max)

	var total float64
	for _, c := range ev.histo.counts {
		total += c
	}
	assert.Equal(t, ev.histo.num, total)

	require.Equal(t, len(ev.histo.limits), len(ev.histo.counts))
	for i := 1; i < len(ev.histo.limits); i++ {
		assert.True(t, ev.histo.limits[i] > ev.histo.limits[i-1])
	}
}

func TestWriter_EmptyHistogram(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.AddHistogram("weights/empty", nil, 0))
}
