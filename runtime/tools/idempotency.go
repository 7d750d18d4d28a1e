package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// IdempotencyKey derives the deterministic key that makes a tool call
// at-most-once within a run: the SHA-256 of the tool name and the
// canonicalized arguments. Two calls with semantically equal arguments
// (same keys and values, any key order or whitespace) share a key.
func IdempotencyKey(toolName string, args json.RawMessage) (string, error) {
	canon, err := CanonicalJSON(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize args for tool %s: %w", toolName, err)
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalJSON normalizes a JSON document: object keys sorted at every
// depth, no insignificant whitespace. Empty input canonicalizes as the empty
// object.
func CanonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	// encoding/json sorts map keys on marshal, which is the whole trick.
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
