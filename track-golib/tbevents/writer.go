package tbevents

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/traintrack/traintrack/track-golib/errors"
)

// Writer appends scalar and histogram summaries to a TensorBoard-compatible
// event file. It is a plain file-format writer: one file per Writer, records
// framed and checksummed the way TensorBoard readers expect.
type Writer struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	now  func() time.Time
}

// NewWriter creates the event file inside dir (creating dir if necessary)
// and writes the leading file-version record.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "unable to create event dir %s", dir)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%d.%s", now.Unix(), hostname))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create event file %s", path)
	}

	w := &Writer{
		path: path,
		f:    f,
		buf:  bufio.NewWriter(f),
		now:  time.Now,
	}
	if err := w.writeRecord(encodeVersionEvent(wallTime(now))); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "unable to write version record")
	}
	return w, nil
}

// Path returns the event file's location on disk.
func (w *Writer) Path() string {
	return w.path
}

// AddScalar appends one scalar summary at the given step.
func (w *Writer) AddScalar(tag string, value float64, step int64) error {
	event := encodeSummaryEvent(wallTime(w.now()), step, encodeScalarSummary(tag, float32(value)))
	return errors.WrapfOrNil(w.writeRecord(event), "unable to append scalar %s", tag)
}

// AddHistogram appends one histogram summary over the given values at the
// given step.
func (w *Writer) AddHistogram(tag string, values []float64, step int64) error {
	h, err := newHistogram(values)
	if err != nil {
		return errors.Wrapf(err, "unable to build histogram %s", tag)
	}
	event := encodeSummaryEvent(wallTime(w.now()), step, encodeHistogramSummary(tag, h))
	return errors.WrapfOrNil(w.writeRecord(event), "unable to append histogram %s", tag)
}

// Flush forces buffered records to disk.
func (w *Writer) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return errors.Wrapf(err, "unable to flush event file")
	}
	return errors.WrapfOrNil(w.f.Sync(), "unable to sync event file")
}

// Close flushes and closes the event file. The Writer is unusable afterwards.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return errors.WrapfOrNil(w.f.Close(), "unable to close event file")
}

func wallTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC is the checksum TensorBoard record framing uses: CRC32-Castagnoli
// rotated right by 15 bits plus a fixed constant.
func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, crcTable)
	return (crc>>15 | crc<<17) + 0xa282ead8
}

// writeRecord frames one encoded event:
// length (8B LE), masked CRC of length (4B LE), payload, masked CRC of payload (4B LE).
func (w *Writer) writeRecord(payload []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[8:12], maskedCRC(header[0:8]))

	if _, err := w.buf.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(payload); err != nil {
		return err
	}

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(payload))
	_, err := w.buf.Write(footer[:])
	return err
}
