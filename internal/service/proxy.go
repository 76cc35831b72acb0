// Package service implements the upstream forwarding and health check logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"ode-ingress/internal/client"
	"ode-ingress/internal/config"
	"ode-ingress/internal/metrics"
	"ode-ingress/internal/model"
)

var (
	// ErrUpstreamTimeout is returned when the upstream does not answer within the deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnavailable is returned when no connection to the upstream could be made.
	ErrUpstreamUnavailable = errors.New("upstream not available")
	// ErrInvalidBody is returned when a POST or PUT body is not JSON.
	ErrInvalidBody = errors.New("request body must be JSON")
)

// forwardableRequestHeaders are the only request headers forwarded upstream.
// Accept-Encoding stays with the transport so reply bodies arrive decoded.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
}

const userAgent = "ode-ingress/1.0"

// ProxyService forwards requests on configured route prefixes to the upstream.
type ProxyService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	base    string
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		base:    strings.TrimRight(u.String(), "/"),
	}, nil
}

// Forward sends pr to the upstream on behalf of route and returns the buffered reply.
//
// GET and DELETE carry the query string; POST, PUT and PATCH carry the JSON body.
// The upstream status code is returned untranslated. Failures to obtain any
// response wrap ErrUpstreamTimeout or ErrUpstreamUnavailable.
func (s *ProxyService) Forward(ctx context.Context, route config.RouteConfig, pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	var (
		rawQuery string
		body     []byte
	)
	switch pr.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if len(bytes.TrimSpace(pr.Body)) > 0 {
			if !json.Valid(pr.Body) {
				return nil, ErrInvalidBody
			}
			body = pr.Body
		}
	default:
		rawQuery = pr.RawQuery
	}

	upstreamURL, err := s.buildUpstreamURL(route, pr.Path, rawQuery)
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}
	header := s.filterRequestHeaders(pr.Header)
	if body != nil {
		header.Set("Content-Type", "application/json")
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"upstream", upstreamURL,
	)

	// Derived from the inbound context: a client disconnect aborts the upstream call.
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Upstream.Timeout())
	defer cancel()

	reply, err := s.client.Fetch(ctx, pr.Method, upstreamURL, header, body)
	if err != nil {
		return nil, s.classify(err)
	}

	return &model.UpstreamResponse{
		StatusCode: reply.StatusCode,
		Body:       decodeBody(reply),
	}, nil
}

// buildUpstreamURL joins the upstream base, the route prefix (unless stripped)
// and the remaining escaped path.
func (s *ProxyService) buildUpstreamURL(route config.RouteConfig, path, rawQuery string) (string, error) {
	if route.StripPrefix {
		path = strings.TrimPrefix(path, route.Prefix)
		if path == "" {
			path = "/"
		}
	}

	u, err := url.Parse(s.base + path)
	if err != nil {
		return "", err
	}
	u.RawQuery = rawQuery
	return u.String(), nil
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

// classify maps a transport error onto the proxy's failure taxonomy.
func (s *ProxyService) classify(err error) error {
	reason := "other"
	defer func() {
		if s.metrics != nil {
			s.metrics.UpstreamFailures.WithLabelValues(reason).Inc()
		}
	}()

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		reason = "timeout"
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	case errors.Is(err, context.Canceled):
		reason = "canceled"
		return fmt.Errorf("forward to upstream: %w", err)
	}

	var (
		urlErr *url.Error
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	if errors.As(err, &urlErr) || errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		reason = "unavailable"
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	return fmt.Errorf("forward to upstream: %w", err)
}

// decodeBody parses the upstream payload once. JSON is compacted into a
// StructuredBody; anything else is relayed as a RawBody with its content type.
func decodeBody(reply *client.Reply) model.ResponseBody {
	var buf bytes.Buffer
	if len(reply.Body) > 0 && json.Compact(&buf, reply.Body) == nil {
		return model.StructuredBody{JSON: buf.Bytes()}
	}

	ct := reply.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/plain"
	}
	return model.RawBody{Data: reply.Body, ContentType: ct}
}
