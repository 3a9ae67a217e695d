package signature

import (
	"encoding/json"

	"roomcrypt/errs"
)

// Canonicalize produces the canonical encoding of a JSON payload: stable
// lexicographic field ordering, no incidental whitespace, and the
// "signatures" and "unsigned" top-level fields removed so a signature can
// be attached to the object it covers.
//
// encoding/json sorts map keys on marshal, which gives the stable ordering
// for free once the payload is round-tripped through map[string]any.
func Canonicalize(payload []byte) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, errs.Validation("payload is not a JSON object: %v", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, errs.Validation("payload not canonicalizable: %v", err)
	}
	return out, nil
}

// CanonicalizeValue is Canonicalize for an already-decoded value.
func CanonicalizeValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Validation("payload not marshalable: %v", err)
	}
	return Canonicalize(raw)
}
