// Package web serves the storefront: catalog browsing, the cart, checkout
// and order history, rendered server-side.
package web

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bookmart/internal/api"
	"bookmart/internal/checkout"
	"bookmart/internal/metrics"
	"bookmart/internal/model"
	"bookmart/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("").
	Funcs(template.FuncMap{
		"money": renderMoney,
	}).ParseFS(templateFS, "templates/*.html"))

// Catalog looks books up on the marketplace.
type Catalog interface {
	Books(ctx context.Context, search, category string) ([]model.Book, error)
	Book(ctx context.Context, id int64) (model.Book, error)
	Categories(ctx context.Context) ([]model.Category, error)
}

type Authenticator interface {
	Login(ctx context.Context, username, password string) (api.LoginResult, error)
}

type OrderHistory interface {
	Orders(ctx context.Context, token string) ([]model.Order, error)
}

// Profile resolves a token to its current user.
type Profile interface {
	Me(ctx context.Context, token string) (model.User, error)
}

// SellerCatalog manages the books a seller lists.
type SellerCatalog interface {
	MyBooks(ctx context.Context, token string) ([]model.Book, error)
	CreateBook(ctx context.Context, token string, in model.BookInput) (model.Book, error)
	UpdateBook(ctx context.Context, token string, id int64, in model.BookInput) (model.Book, error)
	DeleteBook(ctx context.Context, token string, id int64) error
}

// Deps are the collaborators a Server needs. Metrics and Profile are
// optional; without Seller the seller pages are not routed.
type Deps struct {
	Sessions *session.Manager
	Catalog  Catalog
	Auth     Authenticator
	Orders   OrderHistory
	Profile  Profile
	Seller   SellerCatalog
	Checkout *checkout.Service
	Metrics  *metrics.Registry
	Log      logrus.FieldLogger
	// BaseURL prefixes every route, e.g. "/shop".
	BaseURL string
}

type Server struct {
	sessions *session.Manager
	catalog  Catalog
	auth     Authenticator
	orders   OrderHistory
	profile  Profile
	seller   SellerCatalog
	checkout *checkout.Service
	metrics  *metrics.Registry
	log      logrus.FieldLogger
	baseURL  string
}

func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		sessions: d.Sessions,
		catalog:  d.Catalog,
		auth:     d.Auth,
		orders:   d.Orders,
		profile:  d.Profile,
		seller:   d.Seller,
		checkout: d.Checkout,
		metrics:  d.Metrics,
		log:      log,
		baseURL:  d.BaseURL,
	}
}

// Handler returns the routed storefront wrapped in logging, session and
// tracing middleware.
func (s *Server) Handler() http.Handler {
	b := s.baseURL
	r := mux.NewRouter()
	r.HandleFunc(b+"/", s.homeHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(b+"/books", s.booksHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(b+"/books/{id:[0-9]+}", s.bookHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(b+"/cart", s.requireCustomer(s.viewCartHandler)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(b+"/cart", s.requireCustomer(s.addToCartHandler)).Methods(http.MethodPost)
	r.HandleFunc(b+"/cart/update", s.requireCustomer(s.updateCartItemHandler)).Methods(http.MethodPost)
	r.HandleFunc(b+"/cart/remove", s.requireCustomer(s.removeCartItemHandler)).Methods(http.MethodPost)
	r.HandleFunc(b+"/cart/empty", s.requireCustomer(s.emptyCartHandler)).Methods(http.MethodPost)
	r.HandleFunc(b+"/checkout", s.requireCustomer(s.checkoutPageHandler)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(b+"/checkout", s.requireCustomer(s.placeOrderHandler)).Methods(http.MethodPost)
	r.HandleFunc(b+"/orders", s.orderHistoryHandler).Methods(http.MethodGet, http.MethodHead)
	if s.seller != nil {
		r.HandleFunc(b+"/seller/books", s.requireSeller(s.sellerBooksHandler)).Methods(http.MethodGet, http.MethodHead)
		r.HandleFunc(b+"/seller/books", s.requireSeller(s.createBookHandler)).Methods(http.MethodPost)
		r.HandleFunc(b+"/seller/books/{id:[0-9]+}/edit", s.requireSeller(s.editBookHandler)).Methods(http.MethodGet, http.MethodHead)
		r.HandleFunc(b+"/seller/books/{id:[0-9]+}", s.requireSeller(s.updateBookHandler)).Methods(http.MethodPost)
		r.HandleFunc(b+"/seller/books/{id:[0-9]+}/delete", s.requireSeller(s.deleteBookHandler)).Methods(http.MethodPost)
	}
	r.HandleFunc(b+"/login", s.loginPageHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(b+"/login", s.loginSubmitHandler).Methods(http.MethodPost)
	r.HandleFunc(b+"/logout", s.logoutHandler).Methods(http.MethodGet)
	r.HandleFunc(b+"/api/cart", s.apiCartHandler).Methods(http.MethodGet)
	r.HandleFunc(b+"/robots.txt", func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "User-agent: *\nDisallow: /") })
	r.HandleFunc(b+"/_healthz", func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "ok") })
	if s.metrics != nil {
		r.Use(s.observeLatency)
	}

	var handler http.Handler = r
	handler = &logHandler{log: s.log, next: handler}     // add logging
	handler = ensureSessionID(handler)                   // add session ID
	handler = otelhttp.NewHandler(handler, "storefront") // add OTel tracing
	return handler
}

// observeLatency records request duration by route template.
func (s *Server) observeLatency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{w: w}
		next.ServeHTTP(rr, r)
		route := "unknown"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.HTTPLatencySec.WithLabelValues(route, fmt.Sprint(rr.statusOrOK())).Observe(time.Since(start).Seconds())
	})
}

func renderMoney(d decimal.Decimal) string { return "$" + d.StringFixed(2) }
