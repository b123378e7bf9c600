// Package api is a client for the remote marketplace API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bookmart/internal/model"
)

// ErrNotFound is returned when the API answers 404 for a single resource.
var ErrNotFound = errors.New("not found")

// Error is a non-2xx answer from the API. Message is the API's own "error"
// or "detail" text and is safe to show to a user; it is empty when the body
// carried neither. Body is the raw response, for logs.
type Error struct {
	Status  int
	Message string
	Body    string
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
	case e.Body != "":
		return fmt.Sprintf("api: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("api: status %d", e.Status)
}

// FieldErrors flattens a validation body such as
// {"price":["A valid number is required."]} into "price: A valid number is
// required." lines, sorted by field. It is empty for any other body.
func (e *Error) FieldErrors() string {
	var fields map[string]json.RawMessage
	if json.Unmarshal([]byte(e.Body), &fields) != nil {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		var many []string
		if json.Unmarshal(fields[k], &many) == nil {
			out = append(out, k+": "+strings.Join(many, ", "))
			continue
		}
		if v := rawString(fields[k]); v != "" {
			out = append(out, k+": "+v)
		}
	}
	return strings.Join(out, "\n")
}

// Tokens are the JWT pair issued by auth/login/.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// LoginResult is the body of a successful login.
type LoginResult struct {
	User   model.User `json:"user"`
	Tokens Tokens     `json:"tokens"`
}

// Client talks to the marketplace API rooted at a base URL such as
// http://localhost:8000/api/.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient returns a client for base. A nil httpClient gets a default with
// an otelhttp transport and a 10s timeout.
func NewClient(base string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "parse api base %q", base)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("api base %q must be absolute", base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		}
	}
	return &Client{base: u, http: httpClient}, nil
}

// Books lists the catalog, optionally filtered by a search term and a
// category id.
func (c *Client) Books(ctx context.Context, search, category string) ([]model.Book, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	if category != "" {
		q.Set("category", category)
	}
	var books []model.Book
	if err := c.list(ctx, "", "books/", q, &books); err != nil {
		return nil, errors.Wrap(err, "list books")
	}
	return books, nil
}

// Categories lists every catalog category.
func (c *Client) Categories(ctx context.Context) ([]model.Category, error) {
	var cats []model.Category
	if err := c.list(ctx, "", "categories/", nil, &cats); err != nil {
		return nil, errors.Wrap(err, "list categories")
	}
	return cats, nil
}

// Book fetches one book. ErrNotFound is returned for an unknown id.
func (c *Client) Book(ctx context.Context, id int64) (model.Book, error) {
	var b model.Book
	err := c.do(ctx, http.MethodGet, "", bookPath(id), nil, nil, &b)
	if err != nil {
		return model.Book{}, errors.Wrapf(err, "get book %d", id)
	}
	return b, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	body := map[string]string{"username": username, "password": password}
	var res LoginResult
	if err := c.do(ctx, http.MethodPost, "", "auth/login/", nil, body, &res); err != nil {
		return LoginResult{}, errors.Wrap(err, "login")
	}
	if res.Tokens.Access == "" {
		return LoginResult{}, errors.New("login: response carried no access token")
	}
	return res, nil
}

// Me returns the user the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, token, "auth/me/", nil, nil, &u); err != nil {
		return model.User{}, errors.Wrap(err, "current user")
	}
	return u, nil
}

// MyBooks lists the books owned by the token's seller.
func (c *Client) MyBooks(ctx context.Context, token string) ([]model.Book, error) {
	var books []model.Book
	if err := c.list(ctx, token, "books/my_books/", nil, &books); err != nil {
		return nil, errors.Wrap(err, "list my books")
	}
	return books, nil
}

func (c *Client) CreateBook(ctx context.Context, token string, in model.BookInput) (model.Book, error) {
	var b model.Book
	if err := c.do(ctx, http.MethodPost, token, "books/", nil, in, &b); err != nil {
		return model.Book{}, errors.Wrap(err, "create book")
	}
	return b, nil
}

// UpdateBook replaces the editable fields of one of the seller's books.
func (c *Client) UpdateBook(ctx context.Context, token string, id int64, in model.BookInput) (model.Book, error) {
	var b model.Book
	if err := c.do(ctx, http.MethodPut, token, bookPath(id), nil, in, &b); err != nil {
		return model.Book{}, errors.Wrapf(err, "update book %d", id)
	}
	return b, nil
}

func (c *Client) DeleteBook(ctx context.Context, token string, id int64) error {
	if err := c.do(ctx, http.MethodDelete, token, bookPath(id), nil, nil, nil); err != nil {
		return errors.Wrapf(err, "delete book %d", id)
	}
	return nil
}

func bookPath(id int64) string { return "books/" + strconv.FormatInt(id, 10) + "/" }

// Orders lists the orders visible to the token's user.
func (c *Client) Orders(ctx context.Context, token string) ([]model.Order, error) {
	var orders []model.Order
	if err := c.list(ctx, token, "orders/", nil, &orders); err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// CreateOrder submits an order on behalf of the token's user.
func (c *Client) CreateOrder(ctx context.Context, token string, req model.OrderRequest) (model.Order, error) {
	var o model.Order
	if err := c.do(ctx, http.MethodPost, token, "orders/", nil, req, &o); err != nil {
		return model.Order{}, errors.Wrap(err, "create order")
	}
	return o, nil
}

// page is the envelope of a paginated list response.
type page struct {
	Results json.RawMessage `json:"results"`
}

// list decodes either a bare JSON array or a paginated {results: [...]}.
func (c *Client) list(ctx context.Context, token, path string, q url.Values, out interface{}) error {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, token, path, q, nil, &raw); err != nil {
		return err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var p page
		if err := json.Unmarshal(raw, &p); err != nil {
			return errors.Wrap(err, "decode page")
		}
		raw = p.Results
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("[]")
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode list")
}

func (c *Client) do(ctx context.Context, method, token, path string, q url.Values, in, out interface{}) error {
	u := c.base.ResolveReference(&url.URL{Path: path})
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
			return ErrNotFound
		}
		return &Error{
			Status:  resp.StatusCode,
			Message: errorMessage(respBody),
			Body:    strings.TrimSpace(string(respBody)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// errorMessage pulls the human-readable message out of an error body. The
// API uses "error" for its own failures and "detail" for framework ones.
// Anything else yields "".
func errorMessage(body []byte) string {
	var fields struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &fields) != nil {
		return ""
	}
	for _, f := range []json.RawMessage{fields.Error, fields.Detail} {
		if s := rawString(f); s != "" {
			return s
		}
	}
	return ""
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
