// Package appendablenpy writes a 2-D float64 array in numpy's *.npy format one row
// at a time. The header is rewritten after every row, so the file is a valid array
// whenever it is read.
package appendablenpy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

// npy file header must be a multiple of 64 bytes
const headerUnits = 64

const preheaderSize = 10 // magic string, version, and header length

// Writer appends rows of a fixed number of columns to an .npy file.
type Writer struct {
	fp         *os.File
	ncols      int
	rows       int
	headerSize int
	buf        []byte
}

func headerText(rows, ncols int) string {
	return fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", rows, ncols)
}

// Create makes filename and writes the header of an empty array with ncols columns.
func Create(filename string, ncols int) (*Writer, error) {
	if ncols < 1 {
		return nil, fmt.Errorf("appendable npy file needs at least 1 column, have %d", ncols)
	}
	fp, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	// Reserve room for the largest row count the header could ever hold.
	longest := len(headerText(math.MaxInt64, ncols)) + 1
	nunits := (preheaderSize + longest + headerUnits - 1) / headerUnits
	w := &Writer{
		fp:         fp,
		ncols:      ncols,
		headerSize: nunits*headerUnits - preheaderSize,
		buf:        make([]byte, 8*ncols),
	}
	if err := w.writeHeader(); err != nil {
		fp.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	header := make([]byte, preheaderSize+w.headerSize)
	copy(header, []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0x00})
	binary.LittleEndian.PutUint16(header[8:10], uint16(w.headerSize))
	n := copy(header[preheaderSize:], headerText(w.rows, w.ncols))
	// Pad header with spaces plus one newline to the promised size
	for i := preheaderSize + n; i < len(header)-1; i++ {
		header[i] = ' '
	}
	header[len(header)-1] = '\n'
	_, err := w.fp.WriteAt(header, 0)
	return err
}

// Append writes one row at the end of the array.
func (w *Writer) Append(row []float64) error {
	if w.fp == nil {
		return errors.New("appendable npy file is closed")
	}
	if len(row) != w.ncols {
		return fmt.Errorf("row has %d values, want %d", len(row), w.ncols)
	}
	for i, v := range row {
		binary.LittleEndian.PutUint64(w.buf[8*i:], math.Float64bits(v))
	}
	offset := int64(preheaderSize + w.headerSize + 8*w.ncols*w.rows)
	if _, err := w.fp.WriteAt(w.buf, offset); err != nil {
		return err
	}
	w.rows++
	return w.writeHeader()
}

// Rows returns the number of rows written.
func (w *Writer) Rows() int {
	return w.rows
}

// Columns returns the number of values per row.
func (w *Writer) Columns() int {
	return w.ncols
}

// Close closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.fp == nil {
		return nil
	}
	err := w.fp.Close()
	w.fp = nil
	return err
}
