package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role is the marketplace role of an authenticated user.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleSeller   Role = "seller"
	RoleAdmin    Role = "admin"
)

// User mirrors the remote API's user representation.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Role      Role   `json:"role"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
}

// Category is rendered by the API either as a bare name (listings) or as an
// object (detail). Both decode into the same value.
type Category struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (c *Category) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*c = Category{}
		return nil
	}
	if b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*c = Category{Name: name}
		return nil
	}
	type plain Category
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = Category(p)
	return nil
}

// Book is a catalog item. The cart copies its display fields at add time and
// never holds a live reference.
type Book struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title"`
	Author        string          `json:"author"`
	ISBN          string          `json:"isbn,omitempty"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	InStock       bool            `json:"in_stock"`
	Image         string          `json:"image,omitempty"`
	Category      Category        `json:"category"`
	Seller        string          `json:"seller,omitempty"`
}

// ItemID returns the book's id as a cart line reference.
func (b Book) ItemID() ItemID { return IntID(b.ID) }

// Available reports whether the book can be added to a cart. Listing payloads
// omit stock_quantity and carry only in_stock.
func (b Book) Available() bool {
	return b.InStock || b.StockQuantity > 0
}

// ClampQuantity bounds a requested quantity to [1, stock]. Stock <= 0 (as in
// listing payloads) leaves the upper bound open.
func (b Book) ClampQuantity(requested int) int {
	if requested < 1 {
		requested = 1
	}
	if b.StockQuantity > 0 && requested > b.StockQuantity {
		requested = b.StockQuantity
	}
	return requested
}

// BookInput is the body a seller sends to create or update a book.
type BookInput struct {
	Title         string          `json:"title"`
	Author        string          `json:"author"`
	ISBN          string          `json:"isbn,omitempty"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	CategoryID    int64           `json:"category_id,omitempty"`
	Image         string          `json:"image,omitempty"`
}

var (
	ErrBookFieldsMissing = errors.New("Please fill in all required fields (Title, Author, Description)")
	ErrBookPrice         = errors.New("Please enter a valid price")
	ErrBookStock         = errors.New("Please enter a valid stock quantity")
)

// Validate checks what the API would otherwise reject field by field.
func (in BookInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Author) == "" || strings.TrimSpace(in.Description) == "" {
		return ErrBookFieldsMissing
	}
	if in.Price.IsNegative() {
		return ErrBookPrice
	}
	if in.StockQuantity < 0 {
		return ErrBookStock
	}
	return nil
}

// Input returns b's editable fields, e.g. to prefill an edit form.
func (b Book) Input() BookInput {
	return BookInput{
		Title:         b.Title,
		Author:        b.Author,
		ISBN:          b.ISBN,
		Description:   b.Description,
		Price:         b.Price,
		StockQuantity: b.StockQuantity,
		CategoryID:    b.Category.ID,
		Image:         b.Image,
	}
}

// OrderItemRequest is one line of an order-creation request.
type OrderItemRequest struct {
	BookID   ItemID `json:"book_id"`
	Quantity int    `json:"quantity"`
}

// OrderRequest is the body of an order-creation request.
type OrderRequest struct {
	ShippingAddress string             `json:"shipping_address"`
	Items           []OrderItemRequest `json:"items"`
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// Label is the capitalized status as shown to shoppers.
func (s OrderStatus) Label() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

type OrderItem struct {
	ID       int64           `json:"id"`
	Book     string          `json:"book"`
	BookID   int64           `json:"book_id"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

type Order struct {
	ID              int64           `json:"id"`
	Customer        string          `json:"customer,omitempty"`
	Status          OrderStatus     `json:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
	Items           []OrderItem     `json:"items"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
