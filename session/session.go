// Package session implements the URL contract that binds the PC editor and the
// controller to one shared row.
package session

import (
	"errors"
	"net/url"
	"strings"

	"github.com/oklog/ulid/v2"
)

// QueryParam carries the session id on both surfaces' URLs.
const QueryParam = "session"

// TokenParam carries the write token on the controller URL when auth is on.
const TokenParam = "token"

const controllerPage = "controller.html"

// ErrMissingSession is returned when a controller URL carries no session.
var ErrMissingSession = errors.New("session id is missing from the URL")

// Ticket describes a freshly minted session.
type Ticket struct {
	ID            string `json:"id"`
	ControllerURL string `json:"controller_url"`
	Token         string `json:"token,omitempty"`
}

// NewID mints a session id.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

// Ensure returns the session of the PC page at u. When u has none, a new id is
// minted and a copy of u carrying it is returned with minted set.
func Ensure(u *url.URL) (id string, rewritten *url.URL, minted bool) {
	if id = u.Query().Get(QueryParam); id != "" {
		return id, u, false
	}

	id = NewID()
	out := *u
	q := out.Query()
	q.Set(QueryParam, id)
	out.RawQuery = q.Encode()
	return id, &out, true
}

// FromControllerURL extracts the session of a controller page.
func FromControllerURL(u *url.URL) (string, error) {
	id := strings.TrimSpace(u.Query().Get(QueryParam))
	if id == "" {
		return "", ErrMissingSession
	}
	return id, nil
}

// ControllerURL builds the address encoded in the pairing QR code.
func ControllerURL(base, id string) string {
	base = strings.TrimRight(base, "/")
	return base + "/" + controllerPage + "?" + QueryParam + "=" + url.QueryEscape(id)
}

// WithToken appends a write token to a controller URL. An empty token leaves
// it unchanged.
func WithToken(controllerURL, token string) string {
	if token == "" {
		return controllerURL
	}
	return controllerURL + "&" + TokenParam + "=" + url.QueryEscape(token)
}

// TokenFromURL returns the write token carried by u, if any.
func TokenFromURL(u *url.URL) string {
	return u.Query().Get(TokenParam)
}

// BaseOf returns the directory of the page at u, the prefix the controller
// page is served under.
func BaseOf(u *url.URL) string {
	out := *u
	out.RawQuery = ""
	out.Fragment = ""
	if i := strings.LastIndex(out.Path, "/"); i >= 0 {
		out.Path = out.Path[:i]
	}
	return out.String()
}
