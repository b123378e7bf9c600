package web

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bookmart/internal/api"
	"bookmart/internal/model"
)

const (
	noticeSellerOnly   = "Please login as a seller to manage books"
	noticeSaveFailed   = "Failed to save book"
	noticeDeleteFailed = "Failed to delete book"
)

// bookForm holds the seller form exactly as submitted, so a rejected form
// can be shown again unchanged.
type bookForm struct {
	ID            int64
	Title         string
	Author        string
	ISBN          string
	Description   string
	Price         string
	StockQuantity string
	CategoryID    string
	Image         string
}

func formFromBook(b model.Book) bookForm {
	in := b.Input()
	f := bookForm{
		ID:            b.ID,
		Title:         in.Title,
		Author:        in.Author,
		ISBN:          in.ISBN,
		Description:   in.Description,
		Price:         in.Price.StringFixed(2),
		StockQuantity: strconv.Itoa(in.StockQuantity),
		Image:         in.Image,
	}
	if in.CategoryID != 0 {
		f.CategoryID = strconv.FormatInt(in.CategoryID, 10)
	}
	return f
}

func readBookForm(r *http.Request) bookForm {
	v := func(k string) string { return strings.TrimSpace(r.FormValue(k)) }
	return bookForm{
		Title:         v("title"),
		Author:        v("author"),
		ISBN:          v("isbn"),
		Description:   v("description"),
		Price:         v("price"),
		StockQuantity: v("stock_quantity"),
		CategoryID:    v("category_id"),
		Image:         v("image"),
	}
}

// input converts the form. Required fields are reported first, then the
// price, then the stock quantity.
func (f bookForm) input() (model.BookInput, error) {
	in := model.BookInput{
		Title:       f.Title,
		Author:      f.Author,
		ISBN:        f.ISBN,
		Description: f.Description,
		Image:       f.Image,
	}
	price, perr := decimal.NewFromString(f.Price)
	stock, serr := strconv.Atoi(f.StockQuantity)
	in.Price, in.StockQuantity = price, stock
	if f.CategoryID != "" {
		id, err := strconv.ParseInt(f.CategoryID, 10, 64)
		if err != nil {
			return in, errors.New("invalid category")
		}
		in.CategoryID = id
	}

	err := in.Validate()
	if !errors.Is(err, model.ErrBookFieldsMissing) && perr != nil {
		err = model.ErrBookPrice
	}
	if err == nil && serr != nil {
		err = model.ErrBookStock
	}
	return in, err
}

// saveMessage is the text shown for a failed create or update.
func saveMessage(err error) string {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return noticeSaveFailed
	}
	if apiErr.Message != "" {
		return apiErr.Message
	}
	if fe := apiErr.FieldErrors(); fe != "" {
		return fe
	}
	return noticeSaveFailed
}

func (s *Server) sellerBooksHandler(w http.ResponseWriter, r *http.Request) {
	s.renderSellerBooks(w, r, http.StatusOK, nil, "")
}

func (s *Server) editBookHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	books, err := s.seller.MyBooks(r.Context(), s.principal(r).Token)
	if s.tokenRejected(w, r, err, "/seller/books") {
		return
	}
	if err != nil {
		s.renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve your books"), http.StatusInternalServerError)
		return
	}
	for _, b := range books {
		if b.ID == id {
			f := formFromBook(b)
			s.renderSellerBooks(w, r, http.StatusOK, &f, "")
			return
		}
	}
	s.renderHTTPError(log, r, w, errors.Errorf("book %d not found", id), http.StatusNotFound)
}

func (s *Server) createBookHandler(w http.ResponseWriter, r *http.Request) {
	s.saveBook(w, r, 0)
}

func (s *Server) updateBookHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	s.saveBook(w, r, id)
}

// saveBook creates a book when id is 0 and updates it otherwise.
func (s *Server) saveBook(w http.ResponseWriter, r *http.Request, id int64) {
	log := requestLog(r).WithField("book", id)
	f := readBookForm(r)
	f.ID = id
	in, err := f.input()
	if err != nil {
		s.renderSellerBooks(w, r, http.StatusBadRequest, &f, err.Error())
		return
	}

	token := s.principal(r).Token
	var b model.Book
	if id == 0 {
		b, err = s.seller.CreateBook(r.Context(), token, in)
	} else {
		b, err = s.seller.UpdateBook(r.Context(), token, id, in)
	}
	if s.tokenRejected(w, r, err, "/seller/books") {
		return
	}
	if err != nil {
		log.WithError(err).Warn("saving book failed")
		code := http.StatusBadGateway
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			code = apiErr.Status
		}
		s.renderSellerBooks(w, r, code, &f, saveMessage(err))
		return
	}
	log.WithFields(logrus.Fields{"book": b.ID, "title": b.Title}).Info("book saved")
	s.redirect(w, "/seller/books")
}

func (s *Server) deleteBookHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	err := s.seller.DeleteBook(r.Context(), s.principal(r).Token, id)
	if s.tokenRejected(w, r, err, "/seller/books") {
		return
	}
	if err != nil {
		log.WithError(err).WithField("book", id).Warn("deleting book failed")
		s.renderSellerBooks(w, r, http.StatusBadGateway, nil, noticeDeleteFailed)
		return
	}
	log.WithField("book", id).Info("book deleted")
	s.redirect(w, "/seller/books")
}

// renderSellerBooks shows the seller's listings with the create form, or
// the edit form when f carries an id.
func (s *Server) renderSellerBooks(w http.ResponseWriter, r *http.Request, code int, f *bookForm, errMsg string) {
	log := requestLog(r)
	books, err := s.seller.MyBooks(r.Context(), s.principal(r).Token)
	if s.tokenRejected(w, r, err, "/seller/books") {
		return
	}
	if err != nil {
		// Listings are best effort here; the form still works.
		log.WithError(err).Warn("could not retrieve seller books")
		books = nil
	}
	if f == nil {
		f = &bookForm{}
	}
	s.render(w, r, code, "seller_books", map[string]interface{}{
		"books":      books,
		"form":       f,
		"editing":    f.ID != 0,
		"categories": s.categories(r),
		"error":      errMsg,
	})
}

// requireSeller gates the listing pages. Anonymous sessions are sent to the
// login page; other roles get 403.
func (s *Server) requireSeller(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.principal(r)
		if !p.LoggedIn() {
			s.redirect(w, "/login?next="+url.QueryEscape(s.baseURL+"/seller/books"))
			return
		}
		if !p.IsSeller() {
			requestLog(r).WithField("role", p.Role).Info("non-seller tried to manage books")
			s.render(w, r, http.StatusForbidden, "error", map[string]interface{}{
				"error":       noticeSellerOnly,
				"status_code": http.StatusForbidden,
				"status":      http.StatusText(http.StatusForbidden),
			})
			return
		}
		h(w, r)
	}
}
