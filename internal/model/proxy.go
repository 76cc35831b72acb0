// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// Path is the escaped request path including the route prefix; RawQuery is
// forwarded verbatim so parameter order and encoding survive.
type ProxyRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// UpstreamResponse is a fully read upstream reply.
type UpstreamResponse struct {
	StatusCode int
	Body       ResponseBody
}

// ResponseBody is either a StructuredBody or a RawBody. The upstream payload is
// parsed exactly once, when the response is read.
type ResponseBody interface {
	isResponseBody()
}

// StructuredBody holds an upstream payload that parsed as JSON, re-encoded compactly.
type StructuredBody struct {
	JSON []byte
}

// RawBody holds an upstream payload relayed byte-for-byte.
type RawBody struct {
	Data        []byte
	ContentType string
}

func (StructuredBody) isResponseBody() {}
func (RawBody) isResponseBody()        {}
