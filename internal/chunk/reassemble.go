package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// maxMissing bounds how many absent chunks a declared total may imply before
// the set is rejected outright.
const maxMissing = 64

// ErrReassembly matches every reassembly failure.
var ErrReassembly = errors.New("chunk reassembly failed")

// ReassemblyError explains why a chunk set cannot be joined. No partial
// result is ever returned alongside it.
type ReassemblyError struct {
	CollectionKey string
	Missing       []int
	Duplicate     []int
	Generations   []string
	Reason        string
}

func (e *ReassemblyError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing chunks %v", e.Missing))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate chunks %v", e.Duplicate))
	}
	if len(e.Generations) > 1 {
		parts = append(parts, fmt.Sprintf("mixed generations %v", e.Generations))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrReassembly, e.CollectionKey, strings.Join(parts, "; "))
}

// Is lets errors.Is(err, ErrReassembly) match.
func (e *ReassemblyError) Is(target error) bool {
	return target == ErrReassembly
}

// Join restores an array collection from its chunks, in any order.
func Join(chunks []Chunk) ([]json.RawMessage, error) {
	ordered, err := validate(chunks, KindArray)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, c := range ordered {
		out = append(out, c.Items...)
	}
	if out == nil {
		out = []json.RawMessage{}
	}
	return out, nil
}

// JoinMap restores a keyed collection from its chunks, in any order.
func JoinMap(chunks []Chunk) (map[string]json.RawMessage, error) {
	ordered, err := validate(chunks, KindMap)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	for _, c := range ordered {
		for i, k := range c.Keys {
			out[k] = c.Items[i]
		}
	}
	return out, nil
}

func validate(chunks []Chunk, kind Kind) ([]Chunk, error) {
	if len(chunks) == 0 {
		return nil, &ReassemblyError{Reason: "no chunks"}
	}

	key := chunks[0].CollectionKey
	total := chunks[0].Total
	fail := &ReassemblyError{CollectionKey: key}
	if total <= 0 || total > len(chunks)+maxMissing {
		fail.Reason = fmt.Sprintf("declared total %d is implausible for %d chunks", total, len(chunks))
		return nil, fail
	}

	generations := map[string]bool{}
	seen := make(map[int]Chunk, len(chunks))
	for _, c := range chunks {
		if c.CollectionKey != key {
			fail.Reason = fmt.Sprintf("chunk %d belongs to %q", c.Index, c.CollectionKey)
			return nil, fail
		}
		if c.Total != total {
			fail.Reason = fmt.Sprintf("chunk %d declares %d total, expected %d", c.Index, c.Total, total)
			return nil, fail
		}
		if c.Kind != kind {
			fail.Reason = fmt.Sprintf("chunk %d is %s, expected %s", c.Index, c.Kind, kind)
			return nil, fail
		}
		generations[c.Generation] = true
		if _, dup := seen[c.Index]; dup {
			fail.Duplicate = append(fail.Duplicate, c.Index)
			continue
		}
		seen[c.Index] = c
	}

	if len(generations) > 1 {
		for g := range generations {
			fail.Generations = append(fail.Generations, g)
		}
		sort.Strings(fail.Generations)
	}
	for i := range total {
		if _, ok := seen[i]; !ok {
			fail.Missing = append(fail.Missing, i)
		}
	}
	for idx := range seen {
		if idx < 0 || idx >= total {
			fail.Reason = fmt.Sprintf("chunk index %d outside 0..%d", idx, total-1)
		}
	}
	if len(fail.Missing) > 0 || len(fail.Duplicate) > 0 || len(fail.Generations) > 0 || fail.Reason != "" {
		sort.Ints(fail.Duplicate)
		return nil, fail
	}

	ordered := make([]Chunk, total)
	for i := 0; i < total; i++ {
		c := seen[i]
		var keys []string
		if kind == KindMap {
			if len(c.Keys) != len(c.Items) {
				fail.Reason = fmt.Sprintf("chunk %d has %d keys for %d items", i, len(c.Keys), len(c.Items))
				return nil, fail
			}
			keys = c.Keys
		}
		if checksum(keys, c.Items) != c.Checksum {
			fail.Reason = fmt.Sprintf("chunk %d checksum mismatch", i)
			return nil, fail
		}
		ordered[i] = c
	}
	return ordered, nil
}
