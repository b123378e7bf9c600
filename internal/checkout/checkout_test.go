package checkout

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bookmart/internal/api"
	"bookmart/internal/cart"
	"bookmart/internal/metrics"
	"bookmart/internal/model"
	"bookmart/internal/state"
)

type fakeSubmitter struct {
	calls []model.OrderRequest
	token string
	err   error
}

func (f *fakeSubmitter) CreateOrder(_ context.Context, token string, req model.OrderRequest) (model.Order, error) {
	f.calls = append(f.calls, req)
	f.token = token
	if f.err != nil {
		return model.Order{}, f.err
	}
	return model.Order{ID: 7, Status: model.OrderPending, ShippingAddress: req.ShippingAddress}, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func filledCart(t *testing.T) (*cart.Store, *state.InMemoryStore) {
	t.Helper()
	st := state.NewInMemoryStore()
	c := cart.New(st, quietLogger())
	c.Add(model.Book{ID: 1, Title: "Dune", Price: decimal.RequireFromString("10.00")}, 2)
	c.Add(model.Book{ID: 2, Title: "Emma", Price: decimal.RequireFromString("5.50")}, 1)
	return c, st
}

func TestPlaceOrder_SuccessClearsCart(t *testing.T) {
	c, st := filledCart(t)
	sub := &fakeSubmitter{}
	m := metrics.NewRegistry()
	svc := NewService(sub, m, quietLogger())

	o, err := svc.PlaceOrder(context.Background(), "tok", c, "  1 Main St ")
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if o.ID != 7 || sub.token != "tok" {
		t.Fatalf("unexpected order %+v token %q", o, sub.token)
	}
	req := sub.calls[0]
	if req.ShippingAddress != "1 Main St" {
		t.Fatalf("expected trimmed address, got %q", req.ShippingAddress)
	}
	if len(req.Items) != 2 || req.Items[0].BookID != model.IntID(1) || req.Items[0].Quantity != 2 || req.Items[1].BookID != model.IntID(2) {
		t.Fatalf("unexpected items %+v", req.Items)
	}
	if !c.Snapshot().Empty() {
		t.Fatalf("expected cart cleared after success")
	}
	if _, ok, _ := st.Get(cart.StorageKey); ok {
		t.Fatalf("expected persisted cart removed")
	}
	if got := testutil.ToFloat64(m.OrdersPlaced); got != 1 {
		t.Fatalf("expected 1 placed, got %v", got)
	}
}

func TestPlaceOrder_FailureLeavesCartByteIdentical(t *testing.T) {
	c, st := filledCart(t)
	before, _, _ := st.Get(cart.StorageKey)
	snapBefore := c.Snapshot()

	sub := &fakeSubmitter{err: errors.New("connection reset")}
	m := metrics.NewRegistry()
	_, err := NewService(sub, m, quietLogger()).PlaceOrder(context.Background(), "tok", c, "1 Main St")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := UserMessage(err); got != "Failed to place order. Please try again." {
		t.Fatalf("unexpected message %q", got)
	}

	after, _, _ := st.Get(cart.StorageKey)
	if !bytes.Equal(before, after) {
		t.Fatalf("persisted cart changed:\nbefore %s\nafter  %s", before, after)
	}
	snapAfter := c.Snapshot()
	if len(snapAfter.Lines) != len(snapBefore.Lines) || !snapAfter.Subtotal.Equal(snapBefore.Subtotal) {
		t.Fatalf("in-memory cart changed: %+v vs %+v", snapBefore, snapAfter)
	}
	if got := testutil.ToFloat64(m.OrdersFailed); got != 1 {
		t.Fatalf("expected 1 failed, got %v", got)
	}
}

func TestPlaceOrder_APIMessageIsSurfaced(t *testing.T) {
	c, _ := filledCart(t)
	apiErr := &api.Error{Status: 400, Message: "Insufficient stock for Dune"}
	sub := &fakeSubmitter{err: apiErr}
	_, err := NewService(sub, nil, quietLogger()).PlaceOrder(context.Background(), "tok", c, "1 Main St")
	if got := UserMessage(err); got != "Insufficient stock for Dune" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, apiErr) {
		t.Fatalf("expected the api error to be wrapped")
	}
	if c.Snapshot().Empty() {
		t.Fatalf("cart must be untouched on failure")
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	sub := &fakeSubmitter{}
	svc := NewService(sub, nil, quietLogger())

	empty := cart.New(state.NewInMemoryStore(), quietLogger())
	if _, err := svc.PlaceOrder(context.Background(), "tok", empty, "1 Main St"); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
	c, _ := filledCart(t)
	_, err := svc.PlaceOrder(context.Background(), "tok", c, "   ")
	if !errors.Is(err, ErrMissingAddress) {
		t.Fatalf("expected ErrMissingAddress, got %v", err)
	}
	if UserMessage(err) != "Please enter a shipping address" {
		t.Fatalf("unexpected message %q", UserMessage(err))
	}
	if len(sub.calls) != 0 {
		t.Fatalf("validation failures must not submit")
	}
}

func TestSummarize(t *testing.T) {
	cases := []struct {
		subtotal, shipping, tax, total, until string
	}{
		{"25.50", "4.99", "2.04", "32.53", "9.5"},
		{"35.00", "4.99", "2.80", "42.79", "0"},
		{"35.01", "0", "2.80", "37.81", "0"},
		{"100", "0", "8", "108", "0"},
	}
	for _, c := range cases {
		sub := decimal.RequireFromString(c.subtotal)
		s := Summarize(cart.Snapshot{Subtotal: sub})
		check := func(name string, got decimal.Decimal, want string) {
			if !got.Equal(decimal.RequireFromString(want)) {
				t.Fatalf("subtotal %s: %s=%s want %s", c.subtotal, name, got, want)
			}
		}
		check("shipping", s.Shipping, c.shipping)
		check("tax", s.Tax, c.tax)
		check("total", s.Total, c.total)
		check("until", s.UntilFreeShipping, c.until)
	}
}

func TestPlaceOrder_UnparsedAPIBodiesAreNotShown(t *testing.T) {
	bodies := map[string]struct {
		status int
		body   string
	}{
		"html 500":     {http.StatusInternalServerError, "<html><body><h1>Server Error (500)</h1></body></html>"},
		"field errors": {http.StatusBadRequest, `{"shipping_address":["This field may not be blank."]}`},
	}
	for name, tc := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()
			client, err := api.NewClient(srv.URL+"/api", srv.Client())
			if err != nil {
				t.Fatalf("new client: %v", err)
			}

			c, _ := filledCart(t)
			_, err = NewService(client, nil, quietLogger()).PlaceOrder(context.Background(), "tok", c, "1 Main St")
			if got := UserMessage(err); got != "Failed to place order. Please try again." {
				t.Fatalf("unexpected message %q", got)
			}
			if c.Snapshot().Empty() {
				t.Fatalf("cart must be untouched on failure")
			}
		})
	}
}
