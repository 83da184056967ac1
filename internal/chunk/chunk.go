// Package chunk splits large collections into bounded pieces for storage
// backends with per-document size limits, and reassembles them.
package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Default limits keep each piece under a 1 MB document ceiling.
const (
	DefaultMaxBytes = 900 * 1024
	DefaultMaxItems = 5000
)

// Kind says how a chunk's items are laid out.
type Kind string

const (
	KindArray Kind = "array"
	KindMap   Kind = "map"
)

// ErrItemTooLarge is returned when one item alone exceeds MaxBytes.
var ErrItemTooLarge = errors.New("item exceeds chunk byte limit")

// Limits bounds every chunk. Zero fields take the defaults.
type Limits struct {
	MaxBytes int `json:"maxBytes"`
	MaxItems int `json:"maxItems"`
}

func (l Limits) withDefaults() Limits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	if l.MaxItems <= 0 {
		l.MaxItems = DefaultMaxItems
	}
	return l
}

// Chunk is one piece of a collection. Generation ties the pieces of one
// upload together so that pieces from different uploads are never mixed.
type Chunk struct {
	CollectionKey string            `json:"collectionKey"`
	Generation    string            `json:"generation"`
	Index         int               `json:"index"`
	Total         int               `json:"totalChunks"`
	Kind          Kind              `json:"kind"`
	Keys          []string          `json:"keys,omitempty"`
	Items         []json.RawMessage `json:"items"`
	Checksum      string            `json:"checksum"`
}

// ID returns the storage id of the chunk, e.g. "transactions_chunk_003".
func (c Chunk) ID() string {
	return ID(c.CollectionKey, c.Index)
}

// ID formats the storage id for chunk index of key.
func ID(key string, index int) string {
	return fmt.Sprintf("%s_chunk_%03d", key, index)
}

// Encode serializes c. Items must be compact JSON, as Split and SplitMap
// produce them; HTML characters are left unescaped so items keep their
// exact bytes.
func Encode(c Chunk) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encoding chunk %s: %w", c.ID(), err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Decode parses a chunk produced by Encode.
func Decode(data []byte) (Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Chunk{}, fmt.Errorf("decoding chunk: %w", err)
	}
	return c, nil
}

// overhead is the encoded size of a chunk with no items, using worst-case
// widths for the numeric fields.
func overhead(key, generation string, kind Kind) int {
	tmpl := Chunk{
		CollectionKey: key,
		Generation:    generation,
		Index:         1 << 30,
		Total:         1 << 30,
		Kind:          kind,
		Items:         []json.RawMessage{},
		Checksum:      strings.Repeat("0", sha256.Size*2),
	}
	data, err := Encode(tmpl)
	if err != nil {
		return 0
	}
	n := len(data)
	if kind == KindMap {
		n += len(`,"keys":[]`)
	}
	return n
}

func arraySize(items []json.RawMessage) int {
	size := 2
	for _, item := range items {
		size += len(item)
	}
	if n := len(items); n > 1 {
		size += n - 1
	}
	return size
}

// entrySize counts a key in the keys array and its value in the items array,
// each with a separator.
func entrySize(key string, value json.RawMessage) int {
	quoted, _ := json.Marshal(key)
	return len(quoted) + 1 + len(value) + 1
}

// Needed reports whether items would exceed limits as a single piece.
func Needed(items []json.RawMessage, limits Limits) bool {
	limits = limits.withDefaults()
	return len(items) > limits.MaxItems || arraySize(items) > limits.MaxBytes
}

// NeededMap is Needed for keyed collections.
func NeededMap(items map[string]json.RawMessage, limits Limits) bool {
	limits = limits.withDefaults()
	if len(items) > limits.MaxItems {
		return true
	}
	size := 2
	for k, v := range items {
		size += entrySize(k, v)
	}
	return size > limits.MaxBytes
}

// Split packs items, in order, into the fewest chunks that satisfy limits.
// Items are compacted first, since that is the form they take on the wire.
func Split(key, generation string, items []json.RawMessage, limits Limits) ([]Chunk, error) {
	items, err := compactItems(items)
	if err != nil {
		return nil, fmt.Errorf("splitting %s: %w", key, err)
	}
	sizes := make([]int, len(items))
	for i, item := range items {
		sizes[i] = len(item) + 1
	}
	bounds, err := pack(sizes, limits.withDefaults(), overhead(key, generation, KindArray))
	if err != nil {
		return nil, fmt.Errorf("splitting %s: %w", key, err)
	}

	chunks := make([]Chunk, len(bounds))
	for i, b := range bounds {
		part := items[b[0]:b[1]]
		chunks[i] = Chunk{
			CollectionKey: key,
			Generation:    generation,
			Index:         i,
			Total:         len(bounds),
			Kind:          KindArray,
			Items:         part,
			Checksum:      checksum(nil, part),
		}
	}
	return chunks, nil
}

// SplitMap packs a keyed collection, ordered by key, into the fewest chunks
// that satisfy limits.
func SplitMap(key, generation string, items map[string]json.RawMessage, limits Limits) ([]Chunk, error) {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]json.RawMessage, len(keys))
	for i, k := range keys {
		values[i] = items[k]
	}
	values, err := compactItems(values)
	if err != nil {
		return nil, fmt.Errorf("splitting %s: %w", key, err)
	}
	sizes := make([]int, len(keys))
	for i, k := range keys {
		sizes[i] = entrySize(k, values[i])
	}
	bounds, err := pack(sizes, limits.withDefaults(), overhead(key, generation, KindMap))
	if err != nil {
		return nil, fmt.Errorf("splitting %s: %w", key, err)
	}

	chunks := make([]Chunk, len(bounds))
	for i, b := range bounds {
		chunks[i] = Chunk{
			CollectionKey: key,
			Generation:    generation,
			Index:         i,
			Total:         len(bounds),
			Kind:          KindMap,
			Keys:          keys[b[0]:b[1]],
			Items:         values[b[0]:b[1]],
			Checksum:      checksum(keys[b[0]:b[1]], values[b[0]:b[1]]),
		}
	}
	return chunks, nil
}

// pack greedily fills each chunk before starting the next. For an ordered
// sequence this yields the minimum number of chunks. Each size already
// includes one separator byte.
func pack(sizes []int, limits Limits, fixed int) ([][2]int, error) {
	budget := limits.MaxBytes - fixed
	if len(sizes) == 0 {
		return [][2]int{{0, 0}}, nil
	}

	var bounds [][2]int
	start, used := 0, 0
	for i, s := range sizes {
		if s > budget {
			return nil, fmt.Errorf("%w: item %d needs %d bytes, %d available", ErrItemTooLarge, i, s, budget)
		}
		if i-start >= limits.MaxItems || used+s > budget {
			bounds = append(bounds, [2]int{start, i})
			start, used = i, 0
		}
		used += s
	}
	return append(bounds, [2]int{start, len(sizes)}), nil
}

// compactItems strips insignificant whitespace. Already compact items are
// returned unchanged.
func compactItems(items []json.RawMessage) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(items))
	var buf bytes.Buffer
	for i, item := range items {
		buf.Reset()
		if err := json.Compact(&buf, item); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if buf.Len() == len(item) {
			out[i] = item
			continue
		}
		out[i] = bytes.Clone(buf.Bytes())
	}
	return out, nil
}

func checksum(keys []string, items []json.RawMessage) string {
	h := sha256.New()
	for i, item := range items {
		if keys != nil {
			h.Write([]byte(keys[i]))
			h.Write([]byte{0})
		}
		h.Write(item)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
