package ot

import "encoding/json"

// Applier adapts this package's change format to the opaque apply capability
// the collaboration engine consumes.
type Applier struct{}

// Apply decodes a serialized change and runs it against the document.
func (Applier) Apply(doc string, change json.RawMessage) (string, error) {
	decoded, err := DecodeChange(change)
	if err != nil {
		return "", err
	}
	return decoded.Apply(doc)
}
