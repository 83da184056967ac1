// Package payload converts budget snapshots to and from the sealed documents
// stored on the sync backend. Large collections are split into chunks; every
// blob is gzip-compressed and then sealed.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/theirongolddev/envsync/internal/chunk"
	"github.com/theirongolddev/envsync/internal/codec"
	"github.com/theirongolddev/envsync/internal/crypt"
	"github.com/theirongolddev/envsync/internal/model"
	"github.com/theirongolddev/envsync/internal/remote"
)

// Format identifies the main document layout.
const Format = "envsync.snapshot/v2"

const maxDecompressed = 512 << 20 // 512 MB

// ErrMalformed matches remote payloads that fail to decode or validate.
var ErrMalformed = errors.New("malformed remote payload")

// Options controls encoding.
type Options struct {
	Cipher crypt.Cipher
	Limits chunk.Limits
}

type mainDoc struct {
	Format       string                       `json:"format"`
	BudgetID     string                       `json:"budgetId"`
	SyncVersion  string                       `json:"syncVersion"`
	LastModified int64                        `json:"lastModified"`
	Metadata     model.Metadata               `json:"metadata"`
	Collections  map[string][]json.RawMessage `json:"collections"`
	Chunked      map[string]manifest          `json:"chunked,omitempty"`
}

type manifest struct {
	Total  int        `json:"total"`
	Items  int        `json:"items"`
	Chunks []chunkRef `json:"chunks"`
}

type chunkRef struct {
	ID       string `json:"id"`
	Checksum string `json:"checksum"`
	Items    int    `json:"items"`
}

// Stats describes an encoded document.
type Stats struct {
	MainBytes  int
	ChunkBytes int
	Chunked    []string
}

// Encode seals snap into a remote document. snap.SyncVersion tags the main
// document and every chunk.
func Encode(snap model.Snapshot, opts Options) (remote.Document, Stats, error) {
	var stats Stats
	if snap.SyncVersion == "" {
		return remote.Document{}, stats, errors.New("encoding snapshot: empty sync version")
	}
	cipher := opts.Cipher
	if cipher == nil {
		cipher = crypt.Plaintext{}
	}

	main := mainDoc{
		Format:       Format,
		BudgetID:     snap.BudgetID,
		SyncVersion:  snap.SyncVersion,
		LastModified: snap.LastModified,
		Metadata:     snap.Metadata,
		Collections:  make(map[string][]json.RawMessage),
	}
	doc := remote.Document{BudgetID: snap.BudgetID, SyncVersion: snap.SyncVersion}

	keys := make([]string, 0, len(snap.Collections))
	for k := range snap.Collections {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entities := append([]model.Entity(nil), snap.Collections[key]...)
		model.SortEntities(entities)
		items := make([]json.RawMessage, len(entities))
		for i, e := range entities {
			data, err := json.Marshal(e)
			if err != nil {
				return remote.Document{}, stats, fmt.Errorf("encoding %s/%s: %w", key, e.ID, err)
			}
			items[i] = data
		}

		if !chunk.Needed(items, opts.Limits) {
			main.Collections[key] = items
			continue
		}

		chunks, err := chunk.Split(key, snap.SyncVersion, items, opts.Limits)
		if err != nil {
			return remote.Document{}, stats, err
		}
		m := manifest{Total: len(chunks), Items: len(items)}
		for _, c := range chunks {
			raw, err := chunk.Encode(c)
			if err != nil {
				return remote.Document{}, stats, err
			}
			sealed, err := seal(cipher, raw)
			if err != nil {
				return remote.Document{}, stats, fmt.Errorf("sealing %s: %w", c.ID(), err)
			}
			doc.Chunks = append(doc.Chunks, remote.ChunkDoc{ID: c.ID(), SyncVersion: snap.SyncVersion, Data: sealed})
			m.Chunks = append(m.Chunks, chunkRef{ID: c.ID(), Checksum: c.Checksum, Items: len(c.Items)})
			stats.ChunkBytes += len(sealed)
		}
		if main.Chunked == nil {
			main.Chunked = make(map[string]manifest)
		}
		main.Chunked[key] = m
		stats.Chunked = append(stats.Chunked, key)
	}

	raw, err := json.Marshal(main)
	if err != nil {
		return remote.Document{}, stats, fmt.Errorf("encoding snapshot: %w", err)
	}
	doc.Main, err = seal(cipher, raw)
	if err != nil {
		return remote.Document{}, stats, fmt.Errorf("sealing snapshot: %w", err)
	}
	doc.ChunkCount = len(doc.Chunks)
	stats.MainBytes = len(doc.Main)
	return doc, stats, nil
}

// Decode opens, validates and reassembles doc. Chunks from a different
// upload than the main document are rejected with a chunk.ReassemblyError.
func Decode(doc remote.Document, cipher crypt.Cipher) (model.Snapshot, error) {
	if cipher == nil {
		cipher = crypt.Plaintext{}
	}

	raw, err := open(cipher, doc.Main)
	if err != nil {
		return model.Snapshot{}, err
	}
	if err := validateSnapshot(raw); err != nil {
		return model.Snapshot{}, err
	}
	var main mainDoc
	if err := json.Unmarshal(raw, &main); err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.SyncVersion != "" && doc.SyncVersion != main.SyncVersion {
		return model.Snapshot{}, fmt.Errorf("%w: document version %s carries snapshot %s", ErrMalformed, doc.SyncVersion, main.SyncVersion)
	}

	snap := model.NewSnapshot(main.BudgetID)
	snap.SyncVersion = main.SyncVersion
	snap.Metadata = main.Metadata
	snap.LastModified = main.LastModified

	for key, items := range main.Collections {
		entities, err := decodeEntities(key, items, false)
		if err != nil {
			return model.Snapshot{}, err
		}
		snap.Collections[key] = entities
	}

	if len(main.Chunked) == 0 {
		return snap, nil
	}
	groups, err := openChunks(doc.Chunks, cipher, main.SyncVersion)
	if err != nil {
		return model.Snapshot{}, err
	}
	for key, m := range main.Chunked {
		if m.Total != len(m.Chunks) {
			return model.Snapshot{}, fmt.Errorf("%w: %s manifest declares %d chunks but lists %d", ErrMalformed, key, m.Total, len(m.Chunks))
		}
		chunks := groups[key]
		if len(chunks) == 0 {
			missing := make([]int, m.Total)
			for i := range missing {
				missing[i] = i
			}
			return model.Snapshot{}, &chunk.ReassemblyError{CollectionKey: key, Missing: missing}
		}
		if chunks[0].Total != m.Total {
			return model.Snapshot{}, &chunk.ReassemblyError{
				CollectionKey: key,
				Reason:        fmt.Sprintf("manifest lists %d chunks, chunk %d declares %d", m.Total, chunks[0].Index, chunks[0].Total),
			}
		}
		items, err := chunk.Join(chunks)
		if err != nil {
			return model.Snapshot{}, err
		}
		if len(items) != m.Items {
			return model.Snapshot{}, &chunk.ReassemblyError{
				CollectionKey: key,
				Reason:        fmt.Sprintf("manifest lists %d items, got %d", m.Items, len(items)),
			}
		}
		entities, err := decodeEntities(key, items, true)
		if err != nil {
			return model.Snapshot{}, err
		}
		snap.Collections[key] = entities
	}
	return snap, nil
}

func openChunks(docs []remote.ChunkDoc, cipher crypt.Cipher, generation string) (map[string][]chunk.Chunk, error) {
	groups := make(map[string][]chunk.Chunk)
	for _, d := range docs {
		raw, err := open(cipher, d.Data)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", d.ID, err)
		}
		c, err := chunk.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if c.Generation != generation || d.SyncVersion != generation {
			other := c.Generation
			if other == generation {
				other = d.SyncVersion
			}
			gens := []string{generation, other}
			sort.Strings(gens)
			return nil, &chunk.ReassemblyError{CollectionKey: c.CollectionKey, Generations: gens}
		}
		groups[c.CollectionKey] = append(groups[c.CollectionKey], c)
	}
	return groups, nil
}

func decodeEntities(key string, items []json.RawMessage, check bool) ([]model.Entity, error) {
	entities := make([]model.Entity, 0, len(items))
	for _, item := range items {
		if check {
			if err := validateEntity(item); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
		var e model.Entity
		if err := json.Unmarshal(item, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func seal(c crypt.Cipher, raw []byte) ([]byte, error) {
	packed, err := codec.Compress(raw)
	if err != nil {
		return nil, err
	}
	return c.Seal(packed)
}

func open(c crypt.Cipher, sealed []byte) ([]byte, error) {
	packed, err := c.Open(sealed)
	if err != nil {
		return nil, err
	}
	raw, err := codec.Decompress(packed, maxDecompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}
