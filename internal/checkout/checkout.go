// Package checkout turns a cart into a placed order.
package checkout

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"bookmart/internal/api"
	"bookmart/internal/cart"
	"bookmart/internal/metrics"
	"bookmart/internal/model"
)

var (
	ErrEmptyCart      = errors.New("Your cart is empty")
	ErrMissingAddress = errors.New("Please enter a shipping address")
)

const failedMessage = "Failed to place order. Please try again."

// Submitter sends an order to the marketplace. *api.Client implements it.
type Submitter interface {
	CreateOrder(ctx context.Context, token string, req model.OrderRequest) (model.Order, error)
}

// SubmitError wraps a failed submission with the text to show the shopper.
type SubmitError struct {
	Message string
	Err     error
}

func (e *SubmitError) Error() string { return e.Message + ": " + e.Err.Error() }
func (e *SubmitError) Unwrap() error { return e.Err }

// UserMessage returns the text a shopper should see for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Message
	}
	if errors.Is(err, ErrEmptyCart) {
		return ErrEmptyCart.Error()
	}
	if errors.Is(err, ErrMissingAddress) {
		return ErrMissingAddress.Error()
	}
	return failedMessage
}

type Service struct {
	orders  Submitter
	metrics *metrics.Registry
	log     logrus.FieldLogger
}

// NewService returns a checkout service. m may be nil.
func NewService(orders Submitter, m *metrics.Registry, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{orders: orders, metrics: m, log: log}
}

// PlaceOrder submits the cart held by store. The cart is cleared only after
// the API accepts the order; on any failure it is left exactly as it was.
func (s *Service) PlaceOrder(ctx context.Context, token string, store *cart.Store, address string) (model.Order, error) {
	snap := store.Snapshot()
	if snap.Empty() {
		return model.Order{}, ErrEmptyCart
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return model.Order{}, ErrMissingAddress
	}

	req := model.OrderRequest{ShippingAddress: address, Items: make([]model.OrderItemRequest, 0, len(snap.Lines))}
	for _, l := range snap.Lines {
		req.Items = append(req.Items, model.OrderItemRequest{BookID: l.BookID, Quantity: l.Quantity})
	}

	start := time.Now()
	order, err := s.orders.CreateOrder(ctx, token, req)
	if s.metrics != nil {
		s.metrics.SubmitLatencySec.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.OrdersFailed.Inc()
		}
		// Raw bodies (HTML pages, field maps) go to the log, never the shopper.
		msg := failedMessage
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			msg = apiErr.Message
		}
		s.log.WithError(err).WithField("lines", len(req.Items)).Warn("order submission failed")
		return model.Order{}, &SubmitError{Message: msg, Err: err}
	}

	store.Clear()
	if s.metrics != nil {
		s.metrics.OrdersPlaced.Inc()
	}
	s.log.WithFields(logrus.Fields{"order": order.ID, "lines": len(req.Items)}).Info("order placed")
	return order, nil
}
