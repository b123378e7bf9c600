package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestItemID_JSONForms(t *testing.T) {
	var ids []ItemID
	if err := json.Unmarshal([]byte(`[7, "7", "isbn-42", 0, "007"]`), &ids); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ids[0] != "7" || ids[1] != "7" || ids[2] != "isbn-42" || ids[3] != "0" || ids[4] != "007" {
		t.Fatalf("decoded %v", ids)
	}
	b, err := json.Marshal(ids)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `[7,7,"isbn-42",0,"007"]` {
		t.Fatalf("encoded %s", b)
	}

	var bad ItemID
	if err := json.Unmarshal([]byte(`1.5`), &bad); err == nil {
		t.Fatalf("fractional id should be rejected")
	}
}

func TestBook_DecodesAPIShapes(t *testing.T) {
	detail := `{"id":3,"title":"Dune","author":"Herbert","price":"10.00","stock_quantity":4,
		"in_stock":true,"category":{"id":1,"name":"SciFi"},"image":"/m/dune.jpg"}`
	var b Book
	if err := json.Unmarshal([]byte(detail), &b); err != nil {
		t.Fatalf("detail: %v", err)
	}
	if b.Category.Name != "SciFi" || b.Price.StringFixed(2) != "10.00" || b.ItemID() != "3" {
		t.Fatalf("detail decoded %+v", b)
	}

	listing := `{"id":4,"title":"Emma","author":"Austen","price":12.5,"category":"Classics","in_stock":false}`
	var l Book
	if err := json.Unmarshal([]byte(listing), &l); err != nil {
		t.Fatalf("listing: %v", err)
	}
	if l.Category.Name != "Classics" || l.Available() {
		t.Fatalf("listing decoded %+v", l)
	}
}

func TestBook_ClampQuantity(t *testing.T) {
	b := Book{StockQuantity: 3}
	cases := map[int]int{-2: 1, 0: 1, 1: 1, 3: 3, 9: 3}
	for in, want := range cases {
		if got := b.ClampQuantity(in); got != want {
			t.Fatalf("clamp(%d)=%d want %d", in, got, want)
		}
	}
	if got := (Book{}).ClampQuantity(8); got != 8 {
		t.Fatalf("unknown stock should not cap, got %d", got)
	}
}

func TestOrderStatus_Label(t *testing.T) {
	if OrderShipped.Label() != "Shipped" || OrderStatus("").Label() != "" {
		t.Fatalf("labels: %q %q", OrderShipped.Label(), OrderStatus("").Label())
	}
}

func TestBookInput_Validate(t *testing.T) {
	ok := BookInput{Title: "Dune", Author: "Herbert", Description: "Spice", Price: decimal.RequireFromString("9.99"), StockQuantity: 0}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	cases := map[string]struct {
		edit func(*BookInput)
		want error
	}{
		"blank title":    {func(in *BookInput) { in.Title = "  " }, ErrBookFieldsMissing},
		"no description": {func(in *BookInput) { in.Description = "" }, ErrBookFieldsMissing},
		"negative price": {func(in *BookInput) { in.Price = decimal.NewFromInt(-1) }, ErrBookPrice},
		"negative stock": {func(in *BookInput) { in.StockQuantity = -3 }, ErrBookStock},
	}
	for name, c := range cases {
		in := ok
		c.edit(&in)
		if err := in.Validate(); !errors.Is(err, c.want) {
			t.Fatalf("%s: got %v want %v", name, err, c.want)
		}
	}
}

func TestBookInput_JSON(t *testing.T) {
	in := Book{ID: 3, Title: "Dune", Author: "Herbert", Description: "Spice", Price: decimal.RequireFromString("9.99"),
		StockQuantity: 4, Category: Category{ID: 2, Name: "SciFi"}}.Input()
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"title":"Dune","author":"Herbert","description":"Spice","price":"9.99","stock_quantity":4,"category_id":2}`
	if string(b) != want {
		t.Fatalf("got %s\nwant %s", b, want)
	}
}
