package datasets

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"

	"github.com/graft-ml/graft/util"
)

// Record file layout, little-endian: an eight byte magic followed by records
// of (label uint32, imageLen uint32, encoded image bytes). Images are stored
// in their encoded form (PNG or JPEG) and decoded on read.
var recordMagic = [8]byte{'G', 'R', 'F', 'T', 'R', 'E', 'C', '1'}

// Record is one labeled example from a record file.
type Record struct {
	Label int
	Image []byte
}

// ReadRecordFile loads and indexes a packed record file.
func ReadRecordFile(path string) ([]Record, error) {
	data, err := util.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	records, err := parseRecords(data)
	if err != nil {
		return nil, fmt.Errorf("record file %s: %w", path, err)
	}
	return records, nil
}

func parseRecords(data []byte) ([]Record, error) {
	if len(data) < len(recordMagic) || !bytes.Equal(data[:len(recordMagic)], recordMagic[:]) {
		return nil, fmt.Errorf("not a record file (bad magic)")
	}
	var records []Record
	rest := data[len(recordMagic):]
	for len(rest) > 0 {
		if len(rest) < 8 {
			return nil, fmt.Errorf("truncated record header at offset %d", len(data)-len(rest))
		}
		label := binary.LittleEndian.Uint32(rest)
		imageLen := binary.LittleEndian.Uint32(rest[4:])
		rest = rest[8:]
		if uint32(len(rest)) < imageLen {
			return nil, fmt.Errorf("truncated record payload at offset %d", len(data)-len(rest))
		}
		records = append(records, Record{Label: int(label), Image: rest[:imageLen]})
		rest = rest[imageLen:]
	}
	return records, nil
}

// RecordWriter packs labeled images into a record file.
type RecordWriter struct {
	writer   *bufio.Writer
	closer   io.Closer
	writeErr error
}

// NewRecordWriter creates a record file at path, overwriting any previous
// content.
func NewRecordWriter(path string) (*RecordWriter, error) {
	file, err := util.NewFileWriter(path)
	if err != nil {
		return nil, err
	}
	writer := bufio.NewWriter(file)
	if _, err := writer.Write(recordMagic[:]); err != nil {
		return nil, errors.Join(err, file.Close())
	}
	return &RecordWriter{writer: writer, closer: file}, nil
}

// Append adds an already-encoded image with its integer label.
func (w *RecordWriter) Append(label int, encodedImage []byte) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	if label < 0 || label > math.MaxUint32 {
		return fmt.Errorf("label %d out of range", label)
	}
	var header [8]byte
	binary.LittleEndian.PutUint32(header[:], uint32(label))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(encodedImage)))
	if _, err := w.writer.Write(header[:]); err != nil {
		w.writeErr = err
		return err
	}
	if _, err := w.writer.Write(encodedImage); err != nil {
		w.writeErr = err
		return err
	}
	return nil
}

// AppendImage encodes img as PNG and appends it.
func (w *RecordWriter) AppendImage(label int, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return w.Append(label, buf.Bytes())
}

func (w *RecordWriter) Close() error {
	flushErr := w.writer.Flush()
	return errors.Join(w.writeErr, flushErr, w.closer.Close())
}
