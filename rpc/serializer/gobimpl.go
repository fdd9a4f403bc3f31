package serializer

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format.
// Snapshot batches carry many serialized operations, so encode buffers are pooled.
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{
		buffers: sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding
type gobSerializerImpl struct {
	buffers sync.Pool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g *gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	if err := checkType(&msg); err != nil {
		return nil, err
	}

	buf := g.buffers.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		g.buffers.Put(buf)
	}()

	if err := gob.NewEncoder(buf).Encode(msg); err != nil {
		return nil, err
	}
	// the buffer is reused, the caller gets a copy
	return bytes.Clone(buf.Bytes()), nil
}

func (g *gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	// gob leaves fields that are absent in b untouched
	*msg = common.Message{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(msg); err != nil {
		return err
	}
	return checkType(msg)
}
