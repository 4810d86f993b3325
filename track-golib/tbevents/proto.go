package tbevents

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire encoding of the TensorFlow event-file messages. Only the handful of
// fields this writer emits are encoded; field numbers follow
// tensorflow/core/util/event.proto and tensorflow/core/framework/summary.proto.
const (
	// Event
	fieldEventWallTime    = 1 // double
	fieldEventStep        = 2 // int64
	fieldEventFileVersion = 3 // string
	fieldEventSummary     = 5 // Summary

	// Summary
	fieldSummaryValue = 1 // repeated Summary.Value

	// Summary.Value
	fieldValueTag         = 1 // string
	fieldValueSimpleValue = 2 // float
	fieldValueHisto       = 5 // HistogramProto

	// HistogramProto
	fieldHistoMin         = 1 // double
	fieldHistoMax         = 2 // double
	fieldHistoNum         = 3 // double
	fieldHistoSum         = 4 // double
	fieldHistoSumSquares  = 5 // double
	fieldHistoBucketLimit = 6 // repeated double (packed)
	fieldHistoBucket      = 7 // repeated double (packed)
)

// fileVersion is the marker record every event file starts with.
const fileVersion = "brain.Event:2"

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func encodeScalarSummary(tag string, value float32) []byte {
	var val []byte
	val = protowire.AppendTag(val, fieldValueTag, protowire.BytesType)
	val = protowire.AppendString(val, tag)
	val = protowire.AppendTag(val, fieldValueSimpleValue, protowire.Fixed32Type)
	val = protowire.AppendFixed32(val, math.Float32bits(value))

	var summary []byte
	summary = protowire.AppendTag(summary, fieldSummaryValue, protowire.BytesType)
	return protowire.AppendBytes(summary, val)
}

func encodeHistogramSummary(tag string, h histogram) []byte {
	var histo []byte
	histo = appendDouble(histo, fieldHistoMin, h.min)
	histo = appendDouble(histo, fieldHistoMax, h.max)
	histo = appendDouble(histo, fieldHistoNum, h.num)
	histo = appendDouble(histo, fieldHistoSum, h.sum)
	histo = appendDouble(histo, fieldHistoSumSquares, h.sumSquares)
	histo = appendPackedDoubles(histo, fieldHistoBucketLimit, h.bucketLimits)
	histo = appendPackedDoubles(histo, fieldHistoBucket, h.bucketCounts)

	var val []byte
	val = protowire.AppendTag(val, fieldValueTag, protowire.BytesType)
	val = protowire.AppendString(val, tag)
	val = protowire.AppendTag(val, fieldValueHisto, protowire.BytesType)
	val = protowire.AppendBytes(val, histo)

	var summary []byte
	summary = protowire.AppendTag(summary, fieldSummaryValue, protowire.BytesType)
	return protowire.AppendBytes(summary, val)
}

func encodeSummaryEvent(wallTime float64, step int64, summary []byte) []byte {
	var event []byte
	event = appendDouble(event, fieldEventWallTime, wallTime)
	event = protowire.AppendTag(event, fieldEventStep, protowire.VarintType)
	event = protowire.AppendVarint(event, uint64(step))
	event = protowire.AppendTag(event, fieldEventSummary, protowire.BytesType)
	return protowire.AppendBytes(event, summary)
}

func encodeVersionEvent(wallTime float64) []byte {
	var event []byte
	event = appendDouble(event, fieldEventWallTime, wallTime)
	event = protowire.AppendTag(event, fieldEventFileVersion, protowire.BytesType)
	return protowire.AppendString(event, fileVersion)
}
