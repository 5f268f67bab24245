package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

type RecordType uint8

const (
	RecordSubmit RecordType = iota + 1
	RecordCancel
	RecordModify
)

// Record is one sequenced inbound command. Data is the engine's own
// binary command encoding; the WAL never interprets it.
type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

var ErrCorruptRecord = errors.New("wal: crc mismatch")

// Frame layout: [len:4][crc32:4][payload], payload = [type:1][seq:8][time:8][data].
const frameHeaderSize = 8

func encodePayload(rec *Record) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 17+len(rec.Data)))
	buf.WriteByte(byte(rec.Type))
	_ = binary.Write(buf, binary.LittleEndian, rec.Seq)
	_ = binary.Write(buf, binary.LittleEndian, rec.Time)
	buf.Write(rec.Data)
	return buf.Bytes()
}

func decodePayload(payload []byte) (*Record, error) {
	if len(payload) < 17 {
		return nil, io.ErrUnexpectedEOF
	}
	rec := &Record{
		Type: RecordType(payload[0]),
		Seq:  binary.LittleEndian.Uint64(payload[1:9]),
		Time: int64(binary.LittleEndian.Uint64(payload[9:17])),
	}
	if len(payload) > 17 {
		rec.Data = append([]byte(nil), payload[17:]...)
	}
	return rec, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, ErrCorruptRecord
	}
	return payload, nil
}
