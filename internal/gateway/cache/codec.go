package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Codec serializes cached values. Unmarshal must invert Marshal exactly.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec stores values as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GzipCodec compresses the output of Inner.
type GzipCodec struct {
	Inner Codec
}

func (c GzipCodec) Marshal(v any) ([]byte, error) {
	data, err := c.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c GzipCodec) Unmarshal(data []byte, v any) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("gzip open: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("gzip read: %w", err)
	}
	return c.Inner.Unmarshal(raw, v)
}

// NewCodec returns the JSON codec, gzip-wrapped when compress is set.
func NewCodec(compress bool) Codec {
	if compress {
		return GzipCodec{Inner: JSONCodec{}}
	}
	return JSONCodec{}
}
