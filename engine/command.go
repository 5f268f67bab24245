package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"vela/domain/book"
	"vela/infra/wal"
)

type CommandKind uint8

const (
	KindSubmit CommandKind = iota + 1
	KindCancel
	KindModify
)

// Command is one sequenced request. Submit/Cancel/Modify commands are
// WAL-logged and replayable; queries carry a closure instead and are
// never logged.
type Command struct {
	Kind CommandKind
	Seq  uint64

	Owner     string
	ClientRef string

	// submit fields
	Side  book.Side
	Price int64
	Qty   int64

	// cancel / modify fields; zero value means "unchanged" on modify
	OrderID  uint64
	NewPrice int64
	NewQty   int64

	// query closure, executed on the apply goroutine
	query func()

	reply chan Result
}

func (k CommandKind) recordType() wal.RecordType {
	switch k {
	case KindCancel:
		return wal.RecordCancel
	case KindModify:
		return wal.RecordModify
	default:
		return wal.RecordSubmit
	}
}

func kindFor(rt wal.RecordType) (CommandKind, error) {
	switch rt {
	case wal.RecordSubmit:
		return KindSubmit, nil
	case wal.RecordCancel:
		return KindCancel, nil
	case wal.RecordModify:
		return KindModify, nil
	default:
		return 0, fmt.Errorf("unknown wal record type %d", rt)
	}
}

// encodeCommand produces the WAL payload:
// [side:1][price:8][qty:8][orderID:8][newPrice:8][newQty:8][owner][clientRef],
// strings as u16 length prefix + bytes. The sequence lives in the WAL
// record header, not here.
func encodeCommand(cmd *Command) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 64))
	buf.WriteByte(byte(cmd.Side))
	_ = binary.Write(buf, binary.LittleEndian, cmd.Price)
	_ = binary.Write(buf, binary.LittleEndian, cmd.Qty)
	_ = binary.Write(buf, binary.LittleEndian, cmd.OrderID)
	_ = binary.Write(buf, binary.LittleEndian, cmd.NewPrice)
	_ = binary.Write(buf, binary.LittleEndian, cmd.NewQty)
	writeString(buf, cmd.Owner)
	writeString(buf, cmd.ClientRef)
	return buf.Bytes()
}

func decodeCommand(rec *wal.Record) (*Command, error) {
	kind, err := kindFor(rec.Type)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(rec.Data)
	cmd := &Command{Kind: kind, Seq: rec.Seq}

	side, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	cmd.Side = book.Side(side)

	for _, dst := range []*int64{&cmd.Price, &cmd.Qty} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, err
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &cmd.OrderID); err != nil {
		return nil, err
	}
	for _, dst := range []*int64{&cmd.NewPrice, &cmd.NewQty} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, err
		}
	}

	if cmd.Owner, err = readString(r); err != nil {
		return nil, err
	}
	if cmd.ClientRef, err = readString(r); err != nil {
		return nil, err
	}
	return cmd, nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
