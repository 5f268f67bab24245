package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// Reader iterates every record in a WAL directory, sealed segments first,
// then current.wal. It stops at the first corrupt frame: everything past
// a torn write is unusable.
type Reader struct {
	files []string
	idx   int

	file *os.File
	buf  *bufio.Reader

	rec *Record
	err error
}

func OpenReader(dir string) (*Reader, error) {
	files, err := segmentFiles(dir)
	if err != nil {
		return nil, err
	}
	return &Reader{files: files}, nil
}

// Next advances to the next record. It returns false at end of log or on
// the first error; check Err to tell the two apart.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	for {
		if r.buf == nil {
			if r.idx >= len(r.files) {
				return false
			}
			f, err := os.Open(r.files[r.idx])
			if err != nil {
				r.err = err
				return false
			}
			r.file = f
			r.buf = bufio.NewReader(f)
			r.idx++
		}

		payload, err := readFrame(r.buf)
		if errors.Is(err, io.EOF) {
			r.closeCurrent()
			continue
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if r.idx >= len(r.files) {
					// torn tail write on the newest segment; end of log
					r.closeCurrent()
					continue
				}
				// a short read mid-stream means a sealed segment lost
				// data: replaying past it would hide a sequence gap
				r.err = fmt.Errorf("wal: truncated segment %s", r.files[r.idx-1])
				return false
			}
			r.err = err
			return false
		}

		rec, err := decodePayload(payload)
		if err != nil {
			r.err = err
			return false
		}
		r.rec = rec
		return true
	}
}

func (r *Reader) Record() *Record {
	return r.rec
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Close() error {
	r.closeCurrent()
	return nil
}

func (r *Reader) closeCurrent() {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.buf = nil
	}
}
