package docstore

import (
	"encoding/json"
	"fmt"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// KeyAttribute is the attribute holding the primary key of a document
const KeyAttribute = "_key"

// document is a parsed element of a mutation payload
type document struct {
	key    string
	fields map[string]json.RawMessage
}

// parseDocuments parses a payload (a JSON array of objects). Every document needs a string _key.
func parseDocuments(payload []byte) ([]document, error) {
	if len(payload) == 0 {
		return nil, store.NewError(store.RetCInvalidOperation, "empty payload")
	}

	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, store.Errorf(store.RetCInvalidOperation, "payload is not a JSON array of objects: %v", err)
	}

	docs := make([]document, 0, len(raw))
	for i, fields := range raw {
		rawKey, ok := fields[KeyAttribute]
		if !ok {
			return nil, store.Errorf(store.RetCInvalidOperation, "document %d has no %s", i, KeyAttribute)
		}
		var key string
		if err := json.Unmarshal(rawKey, &key); err != nil || key == "" {
			return nil, store.Errorf(store.RetCInvalidOperation, "document %d has an invalid %s", i, KeyAttribute)
		}
		docs = append(docs, document{key: key, fields: fields})
	}
	return docs, nil
}

// encode returns the stored representation of the document.
// encoding/json sorts map keys, so every replica produces the same bytes.
func (d document) encode() ([]byte, error) {
	return json.Marshal(d.fields)
}

// merge applies the fields of d on top of the stored document old (a shallow merge)
func (d document) merge(old []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(old, &fields); err != nil {
		return nil, fmt.Errorf("stored document %s is corrupt: %w", d.key, err)
	}
	for k, v := range d.fields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// parseIndex parses an index descriptor, only the id is required
func parseIndex(index []byte) (store.IndexDescriptor, error) {
	var desc store.IndexDescriptor
	if err := json.Unmarshal(index, &desc); err != nil {
		return desc, store.Errorf(store.RetCInvalidOperation, "invalid index descriptor: %v", err)
	}
	if desc.ID == "" {
		return desc, store.NewError(store.RetCInvalidOperation, "index descriptor without id")
	}
	return desc, nil
}
