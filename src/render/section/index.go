// Package section builds the jump-navigation index: group key -> ordered item positions.
package section

import (
	"fmt"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"viewport-engine/src/internal/common"
	engerrors "viewport-engine/src/internal/errors"
	"viewport-engine/src/render/types"
)

// UngroupedKey collects items without a usable group key. It always sorts last.
const UngroupedKey = "#"

// GroupKeyFunc derives the section key of an item
type GroupKeyFunc func(item types.Item) (string, error)

// SortFunc orders items, cmp-style. Ties keep collection order.
type SortFunc func(a, b types.Item) int

// Entry is one section of the index
type Entry struct {
	Key     string `json:"key" yaml:"key"`
	Indices []int  `json:"indices" yaml:"indices"`
	Count   int    `json:"count" yaml:"count"`
}

// Index is an immutable snapshot built from one collection ordering.
// It is rebuilt in full on every collection change, never patched.
type Index struct {
	items    []types.Item
	sections map[string]*Entry
	keys     []string
	keyAt    []string
	failures int
}

var logger = common.NewSafeLogger("section")

// Build sorts items with sortFn (nil keeps collection order) and groups the
// sorted positions by keyFn (nil puts everything in UngroupedKey). It never fails:
// items whose key cannot be derived land in UngroupedKey.
func Build(items []types.Item, keyFn GroupKeyFunc, sortFn SortFunc) *Index {
	sorted := sortItems(items, sortFn)

	ix := &Index{
		items:    sorted,
		sections: make(map[string]*Entry),
		keys:     make([]string, 0),
		keyAt:    make([]string, len(sorted)),
	}

	hasUngrouped := false
	for pos, item := range sorted {
		key, err := deriveKey(keyFn, item)
		if err != nil {
			ix.failures++
			logger.Warn("%v", engerrors.NewIndexRebuildError(itemID(item), err))
		}
		if key == "" {
			key = UngroupedKey
		}

		entry, ok := ix.sections[key]
		if !ok {
			entry = &Entry{Key: key}
			ix.sections[key] = entry
			if key == UngroupedKey {
				hasUngrouped = true
			} else {
				ix.keys = append(ix.keys, key)
			}
		}
		entry.Indices = append(entry.Indices, pos)
		entry.Count++
		ix.keyAt[pos] = key
	}

	if hasUngrouped {
		ix.keys = append(ix.keys, UngroupedKey)
	}

	logger.Debug("Built section index: %d items, %d sections, %d key failures", len(sorted), len(ix.keys), ix.failures)
	return ix
}

func sortItems(items []types.Item, sortFn SortFunc) (sorted []types.Item) {
	sorted = make([]types.Item, len(items))
	copy(sorted, items)
	if sortFn == nil {
		return sorted
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Sort function panicked, keeping collection order: %v", r)
			sorted = make([]types.Item, len(items))
			copy(sorted, items)
		}
	}()
	slices.SortStableFunc(sorted, func(a, b types.Item) int {
		return sortFn(a, b)
	})
	return sorted
}

func deriveKey(keyFn GroupKeyFunc, item types.Item) (key string, err error) {
	if keyFn == nil || item == nil {
		return "", nil
	}
	defer func() {
		if r := recover(); r != nil {
			key = ""
			err = fmt.Errorf("group key function panicked: %v", r)
		}
	}()
	key, err = keyFn(item)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(key), nil
}

func itemID(item types.Item) string {
	if item == nil {
		return "<nil>"
	}
	return item.ItemID()
}

// Lookup returns the ordered positions of the section, or nil.
// The returned slice is shared and must not be modified.
func (ix *Index) Lookup(key string) []int {
	if entry, ok := ix.sections[key]; ok {
		return entry.Indices
	}
	return nil
}

// First returns the first position of the section
func (ix *Index) First(key string) (int, bool) {
	indices := ix.Lookup(key)
	if len(indices) == 0 {
		return 0, false
	}
	return indices[0], true
}

// Entry returns a copy of the section entry
func (ix *Index) Entry(key string) (Entry, bool) {
	entry, ok := ix.sections[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{Key: entry.Key, Indices: slices.Clone(entry.Indices), Count: entry.Count}, true
}

// KeysInOrder returns section keys in display order
func (ix *Index) KeysInOrder() []string {
	return slices.Clone(ix.keys)
}

// KeyAt returns the section key of a position, or "" when out of range
func (ix *Index) KeyAt(pos int) string {
	if pos < 0 || pos >= len(ix.keyAt) {
		return ""
	}
	return ix.keyAt[pos]
}

// Items returns the sorted sequence positions refer to. It must not be modified.
func (ix *Index) Items() []types.Item {
	return ix.items
}

// Item returns the item at a sorted position
func (ix *Index) Item(pos int) (types.Item, bool) {
	if pos < 0 || pos >= len(ix.items) {
		return nil, false
	}
	return ix.items[pos], true
}

// Len returns the number of indexed items
func (ix *Index) Len() int {
	return len(ix.items)
}

// Total returns the sum of all section counts
func (ix *Index) Total() int {
	total := 0
	for _, entry := range ix.sections {
		total += entry.Count
	}
	return total
}

// Failures returns how many items fell back to UngroupedKey because of key errors
func (ix *Index) Failures() int {
	return ix.failures
}

// Coverage returns the union of all section positions
func (ix *Index) Coverage() *roaring.Bitmap {
	bm := roaring.New()
	for _, entry := range ix.sections {
		for _, pos := range entry.Indices {
			bm.Add(uint32(pos))
		}
	}
	return bm
}

// Validate checks that sections partition [0, Len) with no duplicates
func (ix *Index) Validate() error {
	seen := roaring.New()
	for _, entry := range ix.sections {
		for _, pos := range entry.Indices {
			if !seen.CheckedAdd(uint32(pos)) {
				return fmt.Errorf("position %d indexed twice (section %q)", pos, entry.Key)
			}
		}
	}
	if got := int(seen.GetCardinality()); got != len(ix.items) {
		return fmt.Errorf("index covers %d positions, collection has %d", got, len(ix.items))
	}
	if len(ix.items) > 0 && (seen.Minimum() != 0 || int(seen.Maximum()) != len(ix.items)-1) {
		return fmt.Errorf("index positions outside [0, %d)", len(ix.items))
	}
	return nil
}
