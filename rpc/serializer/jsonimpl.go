package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding.
// Message types are written by name (e.g. "TrxOp"), byte fields as base64.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	if err := checkType(&msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	if err := json.Unmarshal(b, msg); err != nil {
		return err
	}
	return checkType(msg)
}
