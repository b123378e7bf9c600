package web

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"bookmart/internal/api"
	"bookmart/internal/cart"
	"bookmart/internal/checkout"
	"bookmart/internal/model"
	"bookmart/internal/session"
)

const (
	noticeCustomerOnly = "Please login as a customer to add items to cart"
	noticeOutOfStock   = "This book is out of stock"
	noticeLoginFailed  = "Login failed. Please check your username and password."
)

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	s.redirect(w, "/books")
}

func (s *Server) booksHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	if _, err := strconv.ParseInt(category, 10, 64); category != "" && err != nil {
		s.renderHTTPError(log, r, w, errors.New("invalid category"), http.StatusBadRequest)
		return
	}
	log.WithFields(logrus.Fields{"query": query, "category": category}).Debug("list books")

	books, err := s.catalog.Books(r.Context(), query, category)
	if err != nil {
		s.renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve books"), http.StatusInternalServerError)
		return
	}
	s.render(w, r, http.StatusOK, "books", map[string]interface{}{
		"books":        books,
		"query":        query,
		"category":     category,
		"categories":   s.categories(r),
		"result_count": len(books),
	})
}

// categories lists the filter options. A failure only hides the selector.
func (s *Server) categories(r *http.Request) []model.Category {
	cats, err := s.catalog.Categories(r.Context())
	if err != nil {
		requestLog(r).WithError(err).Warn("could not retrieve categories")
		return nil
	}
	return cats
}

func (s *Server) bookHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.renderHTTPError(log, r, w, errors.New("book id not specified"), http.StatusBadRequest)
		return
	}
	b, err := s.catalog.Book(r.Context(), id)
	if errors.Is(err, api.ErrNotFound) {
		s.renderHTTPError(log, r, w, errors.Errorf("book %d not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		s.renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve book"), http.StatusInternalServerError)
		return
	}
	s.renderBook(w, r, http.StatusOK, b, "")
}

func (s *Server) renderBook(w http.ResponseWriter, r *http.Request, code int, b model.Book, notice string) {
	p := s.principal(r)
	inCart := 0
	if p.CanTransact() {
		inCart = s.sessions.Cart(sessionID(r)).Snapshot().Quantity(b.ItemID())
	}
	s.render(w, r, code, "book", map[string]interface{}{
		"book":    b,
		"can_add": p.CanTransact() && b.Available(),
		"in_cart": inCart,
		"notice":  notice,
	})
}

func (s *Server) addToCartHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	id, err := strconv.ParseInt(r.FormValue("book_id"), 10, 64)
	if err != nil {
		s.renderHTTPError(log, r, w, errors.New("invalid book id"), http.StatusBadRequest)
		return
	}
	qty := 1
	if v := r.FormValue("quantity"); v != "" {
		if qty, err = strconv.Atoi(v); err != nil {
			s.renderHTTPError(log, r, w, errors.Wrap(err, "invalid quantity"), http.StatusBadRequest)
			return
		}
	}

	b, err := s.catalog.Book(r.Context(), id)
	if errors.Is(err, api.ErrNotFound) {
		s.renderHTTPError(log, r, w, errors.Errorf("book %d not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		s.renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve book"), http.StatusInternalServerError)
		return
	}
	if !b.Available() {
		log.WithField("book", id).Info("rejected add of out-of-stock book")
		s.renderBook(w, r, http.StatusConflict, b, noticeOutOfStock)
		return
	}
	qty = b.ClampQuantity(qty)
	log.WithFields(logrus.Fields{"book": id, "quantity": qty}).Debug("adding to cart")
	s.sessions.Cart(sessionID(r)).Add(b, qty)
	s.redirect(w, "/cart")
}

func (s *Server) updateCartItemHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	id := model.ItemID(strings.TrimSpace(r.FormValue("book_id")))
	qty, err := strconv.Atoi(r.FormValue("quantity"))
	if id == "" || err != nil {
		s.renderHTTPError(log, r, w, errors.New("invalid cart update"), http.StatusBadRequest)
		return
	}
	s.sessions.Cart(sessionID(r)).SetQuantity(id, qty)
	s.redirect(w, "/cart")
}

func (s *Server) removeCartItemHandler(w http.ResponseWriter, r *http.Request) {
	id := model.ItemID(strings.TrimSpace(r.FormValue("book_id")))
	if id == "" {
		s.renderHTTPError(requestLog(r), r, w, errors.New("book id not specified"), http.StatusBadRequest)
		return
	}
	s.sessions.Cart(sessionID(r)).Remove(id)
	s.redirect(w, "/cart")
}

func (s *Server) emptyCartHandler(w http.ResponseWriter, r *http.Request) {
	requestLog(r).Debug("emptying cart")
	s.sessions.Cart(sessionID(r)).Clear()
	s.redirect(w, "/cart")
}

func (s *Server) viewCartHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Cart(sessionID(r)).Snapshot()
	s.render(w, r, http.StatusOK, "cart", map[string]interface{}{
		"cart":    snap,
		"summary": checkout.Summarize(snap),
	})
}

func (s *Server) checkoutPageHandler(w http.ResponseWriter, r *http.Request) {
	p := s.principal(r)
	address := p.Address
	if s.profile != nil {
		u, err := s.profile.Me(r.Context(), p.Token)
		if s.tokenRejected(w, r, err, "/checkout") {
			return
		}
		if err != nil {
			requestLog(r).WithError(err).Warn("could not refresh profile")
		} else if u.Address != "" {
			address = u.Address
		}
	}

	snap := s.sessions.Cart(sessionID(r)).Snapshot()
	errMsg := ""
	if snap.Empty() {
		errMsg = checkout.UserMessage(checkout.ErrEmptyCart)
	}
	s.render(w, r, http.StatusOK, "checkout", map[string]interface{}{
		"cart":    snap,
		"summary": checkout.Summarize(snap),
		"address": address,
		"error":   errMsg,
	})
}

func (s *Server) placeOrderHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	sid := sessionID(r)
	p := s.principal(r)
	store := s.sessions.Cart(sid)
	address := r.FormValue("shipping_address")

	order, err := s.checkout.PlaceOrder(r.Context(), p.Token, store, address)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, checkout.ErrEmptyCart) || errors.Is(err, checkout.ErrMissingAddress) {
			code = http.StatusBadRequest
		}
		log.WithError(err).Warn("checkout failed")
		snap := store.Snapshot()
		s.render(w, r, code, "checkout", map[string]interface{}{
			"cart":    snap,
			"summary": checkout.Summarize(snap),
			"address": address,
			"error":   checkout.UserMessage(err),
		})
		return
	}

	if p.Address == "" {
		p.Address = strings.TrimSpace(address)
		if err := s.sessions.SetPrincipal(sid, p); err != nil {
			log.WithError(err).Warn("could not remember shipping address")
		}
	}
	log.WithField("order", order.ID).Info("order placed")
	s.redirect(w, "/orders?placed="+strconv.FormatInt(order.ID, 10))
}

func (s *Server) orderHistoryHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	p := s.principal(r)
	if !p.LoggedIn() {
		s.redirect(w, "/login?next="+url.QueryEscape(s.baseURL+"/orders"))
		return
	}
	orders, err := s.orders.Orders(r.Context(), p.Token)
	if s.tokenRejected(w, r, err, "/orders") {
		return
	}
	if err != nil {
		s.renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve order history"), http.StatusInternalServerError)
		return
	}
	s.render(w, r, http.StatusOK, "orders", map[string]interface{}{
		"orders": orders,
		"placed": r.URL.Query().Get("placed"),
	})
}

func (s *Server) loginPageHandler(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "login", map[string]interface{}{
		"next": r.URL.Query().Get("next"),
	})
}

func (s *Server) loginSubmitHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	username := strings.TrimSpace(r.FormValue("username"))
	next := r.FormValue("next")

	res, err := s.auth.Login(r.Context(), username, r.FormValue("password"))
	if err != nil {
		log.WithError(err).WithField("username", username).Warn("login failed")
		msg := noticeLoginFailed
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			msg = apiErr.Message
		}
		s.render(w, r, http.StatusUnauthorized, "login", map[string]interface{}{
			"login_error": msg,
			"username":    username,
			"next":        next,
		})
		return
	}

	p := session.Principal{
		Token:    res.Tokens.Access,
		Username: res.User.Username,
		Role:     res.User.Role,
		Address:  res.User.Address,
	}
	if err := s.sessions.SetPrincipal(sessionID(r), p); err != nil {
		s.renderHTTPError(log, r, w, errors.Wrap(err, "could not start session"), http.StatusInternalServerError)
		return
	}
	log.WithFields(logrus.Fields{"username": p.Username, "role": p.Role}).Info("user logged in")

	if !safeNext(next) {
		next = s.baseURL + "/books"
	}
	w.Header().Set("location", next)
	w.WriteHeader(http.StatusFound)
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Forget(sessionID(r)); err != nil {
		requestLog(r).WithError(err).Warn("logout failed")
	}
	s.redirect(w, "/books")
}

type apiLine struct {
	BookID   model.ItemID `json:"book_id"`
	Title    string       `json:"title"`
	Price    string       `json:"price"`
	Quantity int          `json:"quantity"`
	Image    string       `json:"image,omitempty"`
	Total    string       `json:"total"`
}

type apiCart struct {
	Lines          []apiLine `json:"lines"`
	TotalItemCount int       `json:"total_item_count"`
	Subtotal       string    `json:"subtotal"`
	Shipping       string    `json:"shipping"`
	Tax            string    `json:"tax"`
	Total          string    `json:"total"`
}

// apiCartHandler returns the session's cart as JSON. Sessions that cannot
// transact always see an empty cart.
func (s *Server) apiCartHandler(w http.ResponseWriter, r *http.Request) {
	var snap cart.Snapshot
	if s.principal(r).CanTransact() {
		snap = s.sessions.Cart(sessionID(r)).Snapshot()
	}
	sum := checkout.Summarize(snap)
	out := apiCart{
		Lines:          make([]apiLine, 0, len(snap.Lines)),
		TotalItemCount: snap.TotalItemCount,
		Subtotal:       sum.Subtotal.StringFixed(2),
		Shipping:       sum.Shipping.StringFixed(2),
		Tax:            sum.Tax.StringFixed(2),
		Total:          sum.Total.StringFixed(2),
	}
	for _, l := range snap.Lines {
		out.Lines = append(out.Lines, apiLine{
			BookID:   l.BookID,
			Title:    l.Title,
			Price:    l.Price.StringFixed(2),
			Quantity: l.Quantity,
			Image:    l.Image,
			Total:    l.Total().StringFixed(2),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		requestLog(r).Error(err)
	}
}

// requireCustomer gates cart and checkout routes. Anonymous sessions are
// sent to the login page; other roles get 403.
func (s *Server) requireCustomer(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.principal(r)
		if !p.LoggedIn() {
			next := r.URL.Path
			if r.Method != http.MethodGet {
				next = s.baseURL + "/cart"
			}
			s.redirect(w, "/login?next="+url.QueryEscape(next))
			return
		}
		if !p.CanTransact() {
			requestLog(r).WithField("role", p.Role).Info("non-customer tried to use the cart")
			s.render(w, r, http.StatusForbidden, "error", map[string]interface{}{
				"error":       noticeCustomerOnly,
				"status_code": http.StatusForbidden,
				"status":      http.StatusText(http.StatusForbidden),
			})
			return
		}
		h(w, r)
	}
}

// tokenRejected logs the session out and sends it to the login page when
// err is the API refusing the stored token. next is relative to baseURL.
func (s *Server) tokenRejected(w http.ResponseWriter, r *http.Request, err error, next string) bool {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return false
	}
	requestLog(r).Info("stored token rejected, logging out")
	if ferr := s.sessions.Forget(sessionID(r)); ferr != nil {
		requestLog(r).WithError(ferr).Warn("logout failed")
	}
	s.redirect(w, "/login?next="+url.QueryEscape(s.baseURL+next))
	return true
}

func (s *Server) principal(r *http.Request) session.Principal {
	p, _, err := s.sessions.Principal(sessionID(r))
	if err != nil {
		requestLog(r).WithError(err).Warn("could not load principal")
	}
	return p
}

func (s *Server) redirect(w http.ResponseWriter, path string) {
	w.Header().Set("location", s.baseURL+path)
	w.WriteHeader(http.StatusFound)
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, code int, name string, payload map[string]interface{}) {
	data := s.injectCommonTemplateData(r, payload)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		requestLog(r).Error(err)
	}
}

func (s *Server) renderHTTPError(log logrus.FieldLogger, r *http.Request, w http.ResponseWriter, err error, code int) {
	log.WithField("error", err).Error("request error")
	s.render(w, r, code, "error", map[string]interface{}{
		"error":       err.Error(),
		"status_code": code,
		"status":      http.StatusText(code),
	})
}

func (s *Server) injectCommonTemplateData(r *http.Request, payload map[string]interface{}) map[string]interface{} {
	p := s.principal(r)
	cartSize := 0
	if p.CanTransact() {
		cartSize = s.sessions.Cart(sessionID(r)).Snapshot().TotalItemCount
	}
	data := map[string]interface{}{
		"session_id":   sessionID(r),
		"query":        "",
		"request_id":   r.Context().Value(ctxKeyRequestID{}),
		"baseUrl":      s.baseURL,
		"logged_in":    p.LoggedIn(),
		"username":     p.Username,
		"role":         string(p.Role),
		"can_transact": p.CanTransact(),
		"is_seller":    p.IsSeller(),
		"cart_size":    cartSize,
		"currentYear":  time.Now().Year(),
	}
	for k, v := range payload {
		data[k] = v
	}
	return data
}

// safeNext accepts only same-site absolute paths as post-login targets.
func safeNext(next string) bool {
	return strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") && !strings.Contains(next, "\\")
}
