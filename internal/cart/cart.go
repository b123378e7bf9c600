// Package cart holds a shopper's cart: an ordered list of lines kept in
// memory, mirrored to durable local storage on every mutation and rebuilt
// from it at session start.
package cart

import (
	"github.com/shopspring/decimal"

	"bookmart/internal/model"
)

// StorageKey is the key the cart is persisted under.
const StorageKey = "cart"

// Line is one cart entry. Title, Price and Image are frozen when the item is
// first added and are not refreshed from the catalog afterwards.
type Line struct {
	BookID   model.ItemID
	Title    string
	Price    decimal.Decimal
	Quantity int
	Image    string
}

// Total is Price * Quantity.
func (l Line) Total() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Snapshot is a point-in-time copy of the cart with derived totals.
type Snapshot struct {
	Lines          []Line
	TotalItemCount int
	Subtotal       decimal.Decimal
}

func (s Snapshot) Empty() bool { return len(s.Lines) == 0 }

// Quantity returns the quantity held for id, or 0.
func (s Snapshot) Quantity(id model.ItemID) int {
	for _, l := range s.Lines {
		if l.BookID == id {
			return l.Quantity
		}
	}
	return 0
}

// NewSnapshot computes the totals of lines, e.g. ones decoded from storage.
func NewSnapshot(lines []Line) Snapshot { return snapshotOf(lines) }

func snapshotOf(lines []Line) Snapshot {
	out := Snapshot{Lines: make([]Line, len(lines)), Subtotal: decimal.Zero}
	copy(out.Lines, lines)
	for _, l := range lines {
		out.TotalItemCount += l.Quantity
		out.Subtotal = out.Subtotal.Add(l.Total())
	}
	return out
}

// Op names a cart mutation.
type Op string

const (
	OpAdd         Op = "add"
	OpSetQuantity Op = "set_quantity"
	OpRemove      Op = "remove"
	OpClear       Op = "clear"
)

// Change describes the mutation an observer is being notified about.
// Quantity is the requested quantity for add and set_quantity.
type Change struct {
	Op       Op
	BookID   model.ItemID
	Quantity int
}

// Observer is called synchronously after every effective mutation, once the
// new state is persisted. Observers may read the store but must not mutate it.
type Observer func(Change, Snapshot)
