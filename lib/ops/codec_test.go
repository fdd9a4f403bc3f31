package ops

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestSizeBytes tests the SizeBytes method
func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		op       Operation
		expected int
	}{
		{
			name:     "Insert with payload",
			op:       Insert(5, "s1", []byte(`[{"_key":"a"}]`)),
			expected: 1 + 8 + 4 + 2 + 4 + 0 + 4 + 0 + 4 + 0 + 4 + 14,
		},
		{
			name:     "AbortAll",
			op:       AbortAll(),
			expected: 1 + 8 + 5*4,
		},
		{
			name:     "CreateShard with properties",
			op:       CreateShard("s1", "users", []byte(`{}`)),
			expected: 1 + 8 + 4 + 2 + 4 + 5 + 4 + 2 + 4 + 0 + 4 + 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if size := tt.op.SizeBytes(); size != tt.expected {
				t.Errorf("SizeBytes() = %v, want %v", size, tt.expected)
			}
			if got := len(tt.op.Serialize()); got != tt.expected {
				t.Errorf("len(Serialize()) = %v, want %v", got, tt.expected)
			}
		})
	}
}

// TestSerializeDeserialize checks that operations survive the log encoding
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{"Insert", Insert(5, "s1", []byte(`[{"_key":"a","v":1}]`))},
		{"Truncate", Truncate(9, "s1")},
		{"IntermediateCommit", IntermediateCommit(13)},
		{"AbortAll", AbortAll()},
		{"ModifyShard", ModifyShard("s2", "users", []byte(`{"waitForSync":true}`))},
		{"DropIndex", DropIndex("s2", []byte(`{"id":"idx1"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.op.Serialize()

			var got Operation
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}

			if got.Kind != tt.op.Kind || got.Tid != tt.op.Tid || got.Shard != tt.op.Shard || got.Collection != tt.op.Collection {
				t.Errorf("header mismatch: got %v, want %v", got, tt.op)
			}
			if !bytes.Equal(got.Properties, tt.op.Properties) ||
				!bytes.Equal(got.Index, tt.op.Index) ||
				!bytes.Equal(got.Payload, tt.op.Payload) {
				t.Errorf("body mismatch: got %+v, want %+v", got, tt.op)
			}
		})
	}
}

// TestDeserializeErrors tests error handling for corrupt log entries
func TestDeserializeErrors(t *testing.T) {
	validOp := Insert(5, "s1", []byte(`[]`))
	valid := validOp.Serialize()

	truncatedShard := make([]byte, headerSize+4)
	truncatedShard[0] = byte(KindInsert)
	binary.BigEndian.PutUint32(truncatedShard[headerSize:], 100)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header only", valid[:headerSize-1]},
		{"unknown kind", append([]byte{0}, valid[1:]...)},
		{"shard length larger than data", truncatedShard},
		{"missing payload", valid[:len(valid)-3]},
		{"trailing bytes", append(append([]byte{}, valid...), 0xFF)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DeserializeOperation(tt.data); err == nil {
				t.Errorf("expected an error for %s", tt.name)
			}
		})
	}
}
