package chunk

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeItems(n, width int) []json.RawMessage {
	items := make([]json.RawMessage, n)
	for i := range items {
		head := fmt.Sprintf(`{"id":"t-%05d","memo":"`, i)
		pad := width - len(head) - 2
		if pad < 0 {
			pad = 0
		}
		items[i] = json.RawMessage(head + strings.Repeat("x", pad) + `"}`)
	}
	return items
}

func assertWithinLimits(t *testing.T, chunks []Chunk, limits Limits) {
	t.Helper()
	for _, c := range chunks {
		data, err := Encode(c)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(data), limits.MaxBytes, "chunk %d encoded size", c.Index)
		assert.LessOrEqual(t, len(c.Items), limits.MaxItems, "chunk %d item count", c.Index)
	}
}

func TestSplitByBytes(t *testing.T) {
	items := makeItems(1000, 100)
	limits := Limits{MaxBytes: 40000, MaxItems: 5000}
	require.InDelta(t, 2.5, float64(arraySize(items))/float64(limits.MaxBytes), 0.1)

	chunks, err := Split("transactions", "gen-1", items, limits)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
	assertWithinLimits(t, chunks, limits)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 3, c.Total)
		assert.Equal(t, "transactions", c.CollectionKey)
		assert.Equal(t, "gen-1", c.Generation)
	}
	assert.Equal(t, "transactions_chunk_002", chunks[2].ID())
}

func TestSplitByItemCount(t *testing.T) {
	chunks, err := Split("bills", "g", makeItems(12, 30), Limits{MaxBytes: 1 << 20, MaxItems: 5})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Items, 5)
	assert.Len(t, chunks[1].Items, 5)
	assert.Len(t, chunks[2].Items, 2)
}

func TestRoundTripIsByteExact(t *testing.T) {
	items := makeItems(777, 64)
	items[10] = json.RawMessage(`{"id":"html","memo":"<b>&amp;</b>"}`)
	items[11] = json.RawMessage("{\"id\": \"spaced\",\n  \"n\": 1}")

	chunks, err := Split("envelopes", "g", items, Limits{MaxBytes: 8192, MaxItems: 100})
	require.NoError(t, err)

	// Through the wire format, delivered out of order.
	wire := make([]Chunk, len(chunks))
	for i, c := range chunks {
		data, err := Encode(c)
		require.NoError(t, err)
		wire[i], err = Decode(data)
		require.NoError(t, err)
	}
	rand.New(rand.NewSource(7)).Shuffle(len(wire), func(i, j int) { wire[i], wire[j] = wire[j], wire[i] })

	back, err := Join(wire)
	require.NoError(t, err)
	require.Len(t, back, len(items))
	assert.Equal(t, `{"id":"spaced","n":1}`, string(back[11]), "items travel compact")
	for i := range items {
		if i == 11 {
			continue
		}
		assert.Equal(t, string(items[i]), string(back[i]))
	}
}

func TestSplitMapCompactsValues(t *testing.T) {
	in := map[string]json.RawMessage{"env-1": json.RawMessage(`{ "balance": "1.00" }`)}
	chunks, err := SplitMap("envelopes", "g", in, Limits{})
	require.NoError(t, err)

	data, err := Encode(chunks[0])
	require.NoError(t, err)
	c, err := Decode(data)
	require.NoError(t, err)

	out, err := JoinMap([]Chunk{c})
	require.NoError(t, err)
	assert.Equal(t, `{"balance":"1.00"}`, string(out["env-1"]))
}

func TestSplitRejectsInvalidItem(t *testing.T) {
	_, err := Split("bills", "g", []json.RawMessage{json.RawMessage(`{"id":`)}, Limits{})
	assert.Error(t, err)
}

func TestJoinRejectsImplausibleTotal(t *testing.T) {
	chunks, err := Split("bills", "g", makeItems(3, 40), Limits{})
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	huge := chunks[0]
	huge.Total = 20_000_000
	_, err = Join([]Chunk{huge})
	var re *ReassemblyError
	require.ErrorAs(t, err, &re)
	assert.Empty(t, re.Missing)
	assert.Contains(t, re.Reason, "implausible")
	assert.Less(t, len(err.Error()), 200)

	zero := chunks[0]
	zero.Total = 0
	_, err = Join([]Chunk{zero})
	assert.ErrorIs(t, err, ErrReassembly)
}

func TestSplitMapRoundTrip(t *testing.T) {
	in := map[string]json.RawMessage{}
	for i := 0; i < 300; i++ {
		in[fmt.Sprintf("env-%03d", i)] = json.RawMessage(fmt.Sprintf(`{"balance":"%d.00"}`, i))
	}
	limits := Limits{MaxBytes: 2048, MaxItems: 50}

	chunks, err := SplitMap("envelopes", "g", in, limits)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	assertWithinLimits(t, chunks, limits)
	assert.True(t, NeededMap(in, limits))

	out, err := JoinMap(chunks)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestItemTooLarge(t *testing.T) {
	items := []json.RawMessage{json.RawMessage(`"` + strings.Repeat("a", 5000) + `"`)}
	_, err := Split("debts", "g", items, Limits{MaxBytes: 1000})
	assert.ErrorIs(t, err, ErrItemTooLarge)
}

func TestNeeded(t *testing.T) {
	assert.False(t, Needed(makeItems(100, 50), Limits{}))
	assert.True(t, Needed(makeItems(10, 50), Limits{MaxItems: 5}))
	assert.True(t, Needed(makeItems(10, 50), Limits{MaxBytes: 100}))
}

func TestEmptyCollection(t *testing.T) {
	chunks, err := Split("debts", "g", nil, Limits{})
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	out, err := Join(chunks)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestJoinMissingChunk(t *testing.T) {
	chunks, err := Split("transactions", "g", makeItems(20, 40), Limits{MaxItems: 5})
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	_, err = Join([]Chunk{chunks[0], chunks[1], chunks[3]})
	require.ErrorIs(t, err, ErrReassembly)

	var re *ReassemblyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []int{2}, re.Missing)
	assert.Equal(t, "transactions", re.CollectionKey)
	assert.Contains(t, err.Error(), "missing chunks [2]")
}

func TestJoinDuplicateChunk(t *testing.T) {
	chunks, err := Split("transactions", "g", makeItems(10, 40), Limits{MaxItems: 5})
	require.NoError(t, err)

	_, err = Join([]Chunk{chunks[0], chunks[1], chunks[1]})
	var re *ReassemblyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []int{1}, re.Duplicate)
}

func TestJoinRejectsMixedGenerations(t *testing.T) {
	old, err := Split("transactions", "v1", makeItems(10, 40), Limits{MaxItems: 5})
	require.NoError(t, err)
	cur, err := Split("transactions", "v2", makeItems(10, 40), Limits{MaxItems: 5})
	require.NoError(t, err)

	_, err = Join([]Chunk{old[0], cur[1]})
	var re *ReassemblyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []string{"v1", "v2"}, re.Generations)
}

func TestJoinRejectsTamperedChunk(t *testing.T) {
	chunks, err := Split("bills", "g", makeItems(10, 40), Limits{MaxItems: 5})
	require.NoError(t, err)

	chunks[1].Items = append([]json.RawMessage{}, chunks[1].Items...)
	chunks[1].Items[0] = json.RawMessage(`{"id":"forged"}`)

	_, err = Join(chunks)
	assert.ErrorIs(t, err, ErrReassembly)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestJoinRejectsForeignCollection(t *testing.T) {
	a, err := Split("bills", "g", makeItems(10, 40), Limits{MaxItems: 5})
	require.NoError(t, err)
	b, err := Split("debts", "g", makeItems(10, 40), Limits{MaxItems: 5})
	require.NoError(t, err)

	_, err = Join([]Chunk{a[0], b[1]})
	assert.ErrorIs(t, err, ErrReassembly)

	_, err = Join(nil)
	assert.ErrorIs(t, err, ErrReassembly)
}
