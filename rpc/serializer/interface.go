package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// IRPCSerializer is the interface for all Message Serializers
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array.
	// Messages with an unknown type are rejected.
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into msg. msg is reset first,
	// fields missing in b are zero afterward. A decoded message with an
	// unknown type is an error.
	Deserialize(b []byte, msg *common.Message) error
}

// checkType returns an error if msg does not carry a known message type
func checkType(msg *common.Message) error {
	if !msg.MsgType.Valid() {
		return fmt.Errorf("invalid message type %d", msg.MsgType)
	}
	return nil
}
