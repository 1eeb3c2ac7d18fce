package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Fingerprint derives the cache key for a prompt and its options. The prompt
// is trimmed and case-folded; options are serialized canonically so that
// objects differing only in key order produce the same key. Nil options and
// an empty object are equivalent.
func Fingerprint(prompt string, options any) (string, error) {
	opts, err := canonicalJSON(options)
	if err != nil {
		return "", fmt.Errorf("failed to serialize options: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(prompt))))
	h.Write([]byte{0})
	h.Write(opts)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON round-trips v through a generic representation. encoding/json
// writes map keys in sorted order, which makes the output independent of the
// input's key order at every nesting level.
func canonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if generic == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(generic)
}
