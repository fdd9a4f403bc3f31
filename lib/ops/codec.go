package ops

import (
	"encoding/binary"
	"fmt"
)

// header: 1 byte kind + 8 bytes tid
const headerSize = 1 + 8

// SizeBytes returns the exact number of bytes needed to serialize this operation
func (op *Operation) SizeBytes() int {
	return headerSize +
		4 + len(op.Shard) +
		4 + len(op.Collection) +
		4 + len(op.Properties) +
		4 + len(op.Index) +
		4 + len(op.Payload)
}

// Serialize serializes an operation into a byte array with the format:
// 1 byte for the kind,
// 8 bytes for the transaction id (big endian),
// followed by shard, collection, properties, index and payload,
// each as 4 bytes length (big endian) plus N bytes data.
func (op *Operation) Serialize() []byte {
	result := make([]byte, op.SizeBytes())

	result[0] = byte(op.Kind)
	binary.BigEndian.PutUint64(result[1:9], uint64(op.Tid))

	offset := headerSize
	offset = putField(result, offset, []byte(op.Shard))
	offset = putField(result, offset, []byte(op.Collection))
	offset = putField(result, offset, op.Properties)
	offset = putField(result, offset, op.Index)
	putField(result, offset, op.Payload)

	return result
}

// Deserialize extracts all Operation fields from a byte array.
func (op *Operation) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for operation")
	}

	op.Kind = Kind(data[0])
	if !op.Kind.Valid() {
		return fmt.Errorf("unknown operation kind %d", data[0])
	}
	op.Tid = TransactionID(binary.BigEndian.Uint64(data[1:9]))

	offset := headerSize
	var (
		field []byte
		err   error
	)

	if field, offset, err = readField(data, offset, "shard"); err != nil {
		return err
	}
	op.Shard = ShardID(field)

	if field, offset, err = readField(data, offset, "collection"); err != nil {
		return err
	}
	op.Collection = string(field)

	if op.Properties, offset, err = readField(data, offset, "properties"); err != nil {
		return err
	}
	if op.Index, offset, err = readField(data, offset, "index"); err != nil {
		return err
	}
	if op.Payload, offset, err = readField(data, offset, "payload"); err != nil {
		return err
	}

	if offset != len(data) {
		return fmt.Errorf("%d trailing bytes after operation", len(data)-offset)
	}
	return nil
}

// DeserializeOperation is a convenience wrapper around Operation.Deserialize
func DeserializeOperation(data []byte) (Operation, error) {
	var op Operation
	err := op.Deserialize(data)
	return op, err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func putField(buf []byte, offset int, field []byte) int {
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(field)))
	copy(buf[offset+4:], field)
	return offset + 4 + len(field)
}

// readField reads a length prefixed field. Empty fields are returned as nil.
func readField(data []byte, offset int, name string) ([]byte, int, error) {
	if len(data) < offset+4 {
		return nil, offset, fmt.Errorf("data too short for %s length", name)
	}
	n := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+n {
		return nil, offset, fmt.Errorf("data too short for %s of length %d", name, n)
	}
	if n == 0 {
		return nil, offset, nil
	}
	field := make([]byte, n)
	copy(field, data[offset:offset+n])
	return field, offset + n, nil
}
