package chunkstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// SuccessMarker is written into an output directory once every partition
// has committed.
const SuccessMarker = "_SUCCESS"

// PartitionFileName returns the output file name for partition p.
func PartitionFileName(p int) string {
	return fmt.Sprintf("part-%05d", p)
}

// PartitionFiles lists the partition output files in dir in partition order.
func PartitionFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "part-*"))
	if err != nil {
		return nil, err
	}
	kept := files[:0]
	for _, f := range files {
		if filepath.Ext(f) == ".tmp" {
			continue
		}
		kept = append(kept, f)
	}
	sort.Strings(kept)
	return kept, nil
}

// RecordWriter appends records to a partition output file. The file is
// written under a temporary name and only appears under its final name
// after Commit.
type RecordWriter struct {
	path string
	f    *os.File
	bw   *bufio.Writer
	buf  []byte
	n    int
	last uint64
}

// CreateRecordFile starts a new partition output file at path.
func CreateRecordFile(path string) (*RecordWriter, error) {
	f, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, fmt.Errorf("creating partition output: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	if err := writeMagic(bw, recordMagic); err != nil {
		f.Close()
		return nil, err
	}
	return &RecordWriter{path: path, f: f, bw: bw}, nil
}

// Write appends rec. Records must be written in ascending sequence.
func (w *RecordWriter) Write(rec Record) error {
	if w.n > 0 && rec.Seq <= w.last {
		return fmt.Errorf("record %d written after %d", rec.Seq, w.last)
	}
	buf, err := encodeRecord(w.buf[:0], rec)
	if err != nil {
		return err
	}
	w.buf = buf
	if _, err := w.bw.Write(w.buf); err != nil {
		return fmt.Errorf("writing record %d: %w", rec.Seq, err)
	}
	w.n++
	w.last = rec.Seq
	return nil
}

// Len returns the number of records written.
func (w *RecordWriter) Len() int { return w.n }

// Commit flushes the file and moves it to its final name.
func (w *RecordWriter) Commit() error {
	if err := w.bw.Flush(); err != nil {
		w.Abort()
		return fmt.Errorf("flushing %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("closing %s: %w", w.path, err)
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		return fmt.Errorf("committing %s: %w", w.path, err)
	}
	return nil
}

// Abort discards the partial file.
func (w *RecordWriter) Abort() {
	w.f.Close()
	os.Remove(w.f.Name())
}

// RecordReader reads a partition output file.
type RecordReader struct {
	f *os.File
	r *bufio.Reader
}

// OpenRecordFile opens a partition output file.
func OpenRecordFile(path string) (*RecordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening partition output: %w", err)
	}
	r := bufio.NewReaderSize(f, 1<<20)
	if err := readMagic(r, recordMagic); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return &RecordReader{f: f, r: r}, nil
}

// Next returns the next record, or io.EOF after the last one.
func (rr *RecordReader) Next() (Record, error) {
	return decodeRecord(rr.r, true)
}

// NextHeader returns the next record without its payload.
func (rr *RecordReader) NextHeader() (Record, error) {
	return decodeRecord(rr.r, false)
}

// Close closes the file.
func (rr *RecordReader) Close() error {
	return rr.f.Close()
}

// ReadHeaders returns the record headers of a partition output file.
func ReadHeaders(path string) ([]Record, error) {
	rr, err := OpenRecordFile(path)
	if err != nil {
		return nil, err
	}
	defer rr.Close()

	var out []Record
	for {
		rec, err := rr.NextHeader()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, rec)
	}
}
