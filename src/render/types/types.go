// Package types holds the values exchanged between the engine and its host.
package types

// Item is one immutable element of the host collection. The engine never mutates it.
type Item interface {
	ItemID() string
}

// RenderHandle is an opaque, host-owned visual representation of one item.
// Reset must return the handle to a reusable blank state.
type RenderHandle interface {
	Shape() string
	Reset()
}

// Destroyer is implemented by handles that hold resources beyond the Go heap
type Destroyer interface {
	Destroy() error
}

// Payload is the output of the data-preparation phase. It must not reference
// presentation state; it is built off the coordinating goroutine.
type Payload struct {
	ItemID string
	Shape  string
	Data   any
}

// PlaceholderShape is the shape of the engine-owned fallback handle
const PlaceholderShape = "placeholder"

// Placeholder is the fallback handle shown while materialization is failing
type Placeholder struct {
	ItemID string
	Index  int
}

// NewPlaceholder returns a blank placeholder
func NewPlaceholder() *Placeholder {
	return &Placeholder{Index: -1}
}

func (p *Placeholder) Shape() string { return PlaceholderShape }

func (p *Placeholder) Reset() {
	p.ItemID = ""
	p.Index = -1
}

// Bind points the placeholder at an item position
func (p *Placeholder) Bind(itemID string, index int) {
	p.ItemID = itemID
	p.Index = index
}

// IsPlaceholder reports whether h is the engine fallback handle
func IsPlaceholder(h RenderHandle) bool {
	return h != nil && h.Shape() == PlaceholderShape
}
