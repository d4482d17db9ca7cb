package section

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"viewport-engine/src/render/types"
)

type contact struct {
	id    string
	label string
}

func (c contact) ItemID() string { return c.id }

func labelOf(it types.Item) string { return it.(contact).label }

func contacts(labels ...string) []types.Item {
	items := make([]types.Item, len(labels))
	for i, l := range labels {
		items[i] = contact{id: fmt.Sprintf("c%d", i), label: l}
	}
	return items
}

func TestBuildGroupsByFirstLetter(t *testing.T) {
	items := contacts("bob", "alice", "Anna", "carl", "Bea")
	ix := Build(items, FirstLetterKey(labelOf), CollatedSort(labelOf, language.English))

	assert.Equal(t, []string{"A", "B", "C"}, ix.KeysInOrder())
	assert.Equal(t, []int{0, 1}, ix.Lookup("A"))
	assert.Equal(t, []int{2, 3}, ix.Lookup("B"))
	assert.Equal(t, []int{4}, ix.Lookup("C"))
	assert.Nil(t, ix.Lookup("Z"))

	for _, key := range ix.KeysInOrder() {
		for _, pos := range ix.Lookup(key) {
			item, ok := ix.Item(pos)
			require.True(t, ok)
			got, err := FirstLetterKey(labelOf)(item)
			require.NoError(t, err)
			assert.Equal(t, key, got, "position %d", pos)
			assert.Equal(t, key, ix.KeyAt(pos))
		}
	}
	assert.NoError(t, ix.Validate())
}

func TestBuildPartitionsCollection(t *testing.T) {
	labels := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		switch i % 7 {
		case 0:
			labels = append(labels, "")
		case 1:
			labels = append(labels, fmt.Sprintf("%d street", i))
		default:
			labels = append(labels, fmt.Sprintf("%c-name-%d", 'a'+rune(i%26), i))
		}
	}
	ix := Build(contacts(labels...), FirstLetterKey(labelOf), CollatedSort(labelOf, language.English))

	require.NoError(t, ix.Validate())
	assert.Equal(t, 300, ix.Total())
	assert.Equal(t, uint64(300), ix.Coverage().GetCardinality())

	keys := ix.KeysInOrder()
	assert.Equal(t, UngroupedKey, keys[len(keys)-1])
	assert.Contains(t, keys, DigitsKey)
}

func TestBuildKeyFailuresFallBackToUngrouped(t *testing.T) {
	items := contacts("alpha", "broken", "panics", "", "beta")
	keyFn := func(it types.Item) (string, error) {
		switch labelOf(it) {
		case "broken":
			return "", errors.New("no label")
		case "panics":
			panic("bad item")
		}
		return FirstLetterKey(labelOf)(it)
	}

	ix := Build(items, keyFn, nil)

	assert.Equal(t, 2, ix.Failures())
	assert.Equal(t, []string{"A", "B", UngroupedKey}, ix.KeysInOrder())
	assert.Equal(t, []int{1, 2, 3}, ix.Lookup(UngroupedKey))
	assert.NoError(t, ix.Validate())
}

func TestBuildNilFunctions(t *testing.T) {
	items := contacts("z", "a")
	ix := Build(items, nil, nil)

	assert.Equal(t, []string{UngroupedKey}, ix.KeysInOrder())
	assert.Equal(t, "c0", ix.Items()[0].ItemID(), "nil sort keeps collection order")
}

func TestBuildStableSortAndPanickingSort(t *testing.T) {
	items := contacts("b", "a", "b", "a")
	ix := Build(items, FirstLetterKey(labelOf), func(a, b types.Item) int {
		return strings.Compare(labelOf(a), labelOf(b))
	})
	ids := make([]string, 0, 4)
	for _, it := range ix.Items() {
		ids = append(ids, it.ItemID())
	}
	assert.Equal(t, []string{"c1", "c3", "c0", "c2"}, ids)

	ix = Build(items, FirstLetterKey(labelOf), func(a, b types.Item) int { panic("sort") })
	assert.Equal(t, "c0", ix.Items()[0].ItemID())
	assert.Equal(t, []string{"B", "A"}, ix.KeysInOrder())
}

func TestEntryIsCopy(t *testing.T) {
	ix := Build(contacts("a", "ab"), FirstLetterKey(labelOf), nil)
	entry, ok := ix.Entry("A")
	require.True(t, ok)
	entry.Indices[0] = 99
	assert.Equal(t, []int{0, 1}, ix.Lookup("A"))
	assert.Equal(t, 2, entry.Count)

	_, ok = ix.Entry("Q")
	assert.False(t, ok)
	assert.Equal(t, "", ix.KeyAt(-1))
	assert.Equal(t, "", ix.KeyAt(2))
}

func TestFirstLetterKeyFoldsAccents(t *testing.T) {
	keyFn := FirstLetterKey(labelOf)
	tests := []struct {
		label string
		want  string
	}{
		{"Émile", "E"},
		{"  zoe", "Z"},
		{"øystein", "Ø"},
		{"42 things", DigitsKey},
		{"!bang", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := keyFn(contact{id: "x", label: tt.label})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookupCostIndependentOfSize(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	build := func(n int) *Index {
		labels := make([]string, n)
		for i := range labels {
			labels[i] = fmt.Sprintf("%c%d", 'a'+rune(i%26), i)
		}
		return Build(contacts(labels...), FirstLetterKey(labelOf), nil)
	}
	measure := func(ix *Index) time.Duration {
		keys := ix.KeysInOrder()
		start := time.Now()
		for i := 0; i < 200000; i++ {
			_ = ix.Lookup(keys[i%len(keys)])
		}
		return time.Since(start)
	}

	small := build(1000)
	large := build(100000)
	measure(small)

	smallCost := measure(small)
	largeCost := measure(large)
	assert.Less(t, largeCost, smallCost*10+5*time.Millisecond)
}

func TestJumpToEveryLetter(t *testing.T) {
	labels := make([]string, 500)
	for i := range labels {
		labels[i] = fmt.Sprintf("%c item %03d", 'A'+rune(i%26), i)
	}
	ix := Build(contacts(labels...), FirstLetterKey(labelOf), CollatedSort(labelOf, language.English))

	require.Len(t, ix.KeysInOrder(), 26)
	for _, key := range ix.KeysInOrder() {
		first, ok := ix.First(key)
		require.True(t, ok)
		item, _ := ix.Item(first)
		assert.True(t, strings.HasPrefix(labelOf(item), key))
		if first > 0 {
			prev, _ := ix.Item(first - 1)
			assert.NotEqual(t, key, ix.KeyAt(first-1), "first of %s preceded by %s", key, labelOf(prev))
		}
	}
}
