package wal

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/sparseix/sparseix/internal/hash"
	"github.com/sparseix/sparseix/model"
)

// OpType is the record opcode, matching spec.md's VECTOR_ADD/DELETE/UPDATE.
type OpType uint8

const (
	OpVectorAdd    OpType = 1
	OpVectorDelete OpType = 2
	OpVectorUpdate OpType = 3
)

func (op OpType) String() string {
	switch op {
	case OpVectorAdd:
		return "VECTOR_ADD"
	case OpVectorDelete:
		return "VECTOR_DELETE"
	case OpVectorUpdate:
		return "VECTOR_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// ErrCorruptRecord is returned by Replay when a record's checksum does
// not match its bytes — a truncated or torn tail write after a crash.
var ErrCorruptRecord = errors.New("wal: corrupt record")

// Record is one decoded WAL entry.
type Record struct {
	Op OpType
	ID model.InternalID
}

// encodeRecord writes crc32c(op||id):u32 || op:u8 || id:uN.
func encodeRecord(w io.Writer, rec Record, idBytes int) error {
	body := make([]byte, 1+idBytes)
	body[0] = byte(rec.Op)
	putID(body[1:], rec.ID, idBytes)

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], hash.CRC32C(body))

	if _, err := w.Write(crcBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// decodeRecord reads and validates one record, returning io.EOF when the
// stream is exhausted exactly on a record boundary.
func decodeRecord(r io.Reader, idBytes int) (Record, error) {
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, err // io.EOF propagates as-is on a clean boundary
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])

	body := make([]byte, 1+idBytes)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, ErrCorruptRecord
		}
		return Record{}, err
	}

	if hash.CRC32C(body) != wantCRC {
		return Record{}, ErrCorruptRecord
	}

	return Record{
		Op: OpType(body[0]),
		ID: getID(body[1:], idBytes),
	}, nil
}

func putID(dst []byte, id model.InternalID, idBytes int) {
	if idBytes == 8 {
		binary.LittleEndian.PutUint64(dst, uint64(id))
		return
	}
	binary.LittleEndian.PutUint32(dst, uint32(id))
}

func getID(src []byte, idBytes int) model.InternalID {
	if idBytes == 8 {
		return model.InternalID(binary.LittleEndian.Uint64(src))
	}
	return model.InternalID(binary.LittleEndian.Uint32(src))
}
