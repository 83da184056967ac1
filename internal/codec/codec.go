// Package codec encodes transport bodies as JSON or msgpack and compresses
// stored payloads with gzip.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"mime"

	"github.com/vmihailenco/msgpack/v5"
)

// Content types.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// Format is a body encoding.
type Format int

const (
	JSON Format = iota
	Msgpack
)

// ContentType returns the media type for f.
func (f Format) ContentType() string {
	if f == Msgpack {
		return ContentTypeMsgpack
	}
	return ContentTypeJSON
}

// FormatFor picks the format for a Content-Type or Accept header value.
// Anything that is not msgpack is treated as JSON.
func FormatFor(header string) Format {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return JSON
	}
	switch mt {
	case ContentTypeMsgpack, "application/x-msgpack", "application/vnd.msgpack":
		return Msgpack
	default:
		return JSON
	}
}

// Marshal encodes v in format f.
func Marshal(f Format, v any) ([]byte, error) {
	if f == Msgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		enc.UseCompactInts(true)
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("msgpack encode: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return data, nil
}

// Unmarshal decodes data in format f into v.
func Unmarshal(f Format, data []byte, v any) error {
	if f == Msgpack {
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.SetCustomStructTag("json")
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("msgpack decode: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}

// Compress gzips data.
func Compress(data []byte) ([]byte, error) {
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

// Decompress reverses Compress, refusing output larger than limit bytes.
func Decompress(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer func() { _ = zr.Close() }()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("gzip payload exceeds %d bytes", limit)
	}
	return out, nil
}
