package client

import (
	"net/http"
	"net/url"
	"time"
)

type ReqOption func(*http.Request)

// WithQuery sets the request's query string.
func WithQuery(values url.Values) ReqOption {
	return func(req *http.Request) {
		req.URL.RawQuery = values.Encode()
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) ReqOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

// ClientOpt is a functional option for the Client type (http.Client wrapper)
type ClientOpt func(*Client)

// WithTimeout sets the .Timeout attribute of the wrapped http.Client.
func WithTimeout(timeout time.Duration) ClientOpt {
	return func(c *Client) {
		c.hc.Timeout = timeout
	}
}

// WithCustomTransport replaces the underlying http's transport with a custom one.
func WithCustomTransport(t http.RoundTripper) ClientOpt {
	return func(c *Client) {
		c.hc.Transport = t
	}
}
