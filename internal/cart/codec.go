package cart

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"bookmart/internal/model"
)

// ErrCorrupt is returned by Decode when the persisted value cannot be read as
// a cart at all.
var ErrCorrupt = errors.New("cart: corrupt persisted state")

// persistedLine is the storage format: a JSON array of these objects.
// Price is written as a JSON number.
type persistedLine struct {
	BookID   model.ItemID `json:"book_id"`
	Title    string       `json:"title"`
	Price    json.Number  `json:"price"`
	Quantity int          `json:"quantity"`
	Image    string       `json:"image,omitempty"`
}

// inboundLine accepts a price written either as a number or as a string.
type inboundLine struct {
	BookID   model.ItemID    `json:"book_id"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Image    string          `json:"image"`
}

// Encode serializes lines to the persisted format. An empty cart encodes as [].
func Encode(lines []Line) ([]byte, error) {
	out := make([]persistedLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, persistedLine{
			BookID:   l.BookID,
			Title:    l.Title,
			Price:    json.Number(l.Price.String()),
			Quantity: l.Quantity,
			Image:    l.Image,
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	return b, nil
}

// Decode parses persisted bytes into lines.
//
// Absent data decodes to an empty cart with no error. Invalid JSON or a value
// that is not an array yields an empty cart and ErrCorrupt. Inside a valid
// array, elements without an id or with quantity < 1 are dropped and counted;
// a repeated id is merged into its first occurrence.
func Decode(data []byte) (lines []Line, dropped int, err error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	index := make(map[model.ItemID]int, len(raw))
	for _, r := range raw {
		var in inboundLine
		if err := json.Unmarshal(r, &in); err != nil || in.BookID == "" || in.Quantity < 1 {
			dropped++
			continue
		}
		if i, ok := index[in.BookID]; ok {
			lines[i].Quantity += in.Quantity
			continue
		}
		index[in.BookID] = len(lines)
		lines = append(lines, Line{
			BookID:   in.BookID,
			Title:    in.Title,
			Price:    in.Price,
			Quantity: in.Quantity,
			Image:    in.Image,
		})
	}
	return lines, dropped, nil
}
