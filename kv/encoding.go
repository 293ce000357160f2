package kv

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EncodeJSON marshals v for storage. Writers always single-encode; the
// dual-shape tolerance lives entirely on the read side.
func EncodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "could not encode value")
	}
	return string(b), nil
}

// DecodeJSON unmarshals a stored value into v. Some deployed drivers
// transparently re-encode JSON documents as JSON strings, so historical
// data may arrive either as the document itself or as a quoted string
// containing the document. Both shapes must decode identically.
func DecodeJSON(raw string, v interface{}) error {
	if raw == "" {
		return ErrNil
	}
	direct := json.Unmarshal([]byte(raw), v)
	if direct == nil {
		return nil
	}
	var inner string
	if err := json.Unmarshal([]byte(raw), &inner); err != nil {
		return errors.Wrap(direct, "could not decode value")
	}
	if err := json.Unmarshal([]byte(inner), v); err != nil {
		return errors.Wrap(err, "could not decode double-encoded value")
	}
	return nil
}
