package artifact

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultUserAgent identifies modsync to artifact servers.
const DefaultUserAgent = "modsync/1.0"

var (
	HTTPDefaultTimeout               = 30 * time.Second
	HTTPDefaultConnectTimeout        = 5 * time.Second
	HTTPDefaultTLSHandshakeTimeout   = 5 * time.Second
	HTTPDefaultResponseHeaderTimeout = 10 * time.Second
	HTTPDefaultIdleConnTimeout       = 90 * time.Second
	HTTPDefaultMaxIdleConnsPerHost   = 10
)

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// HTTPSource fetches http and https locations.
type HTTPSource struct {
	UserAgent          string
	Timeout            time.Duration
	MaxSize            int64
	InsecureSkipVerify bool
	Headers            map[string]string
	Client             *http.Client
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) HTTPOption {
	return func(s *HTTPSource) {
		s.UserAgent = userAgent
	}
}

// WithTimeout sets the total request timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		s.Timeout = timeout
	}
}

// WithMaxSize caps the response body size.
func WithMaxSize(n int64) HTTPOption {
	return func(s *HTTPSource) {
		s.MaxSize = n
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify(skip bool) HTTPOption {
	return func(s *HTTPSource) {
		s.InsecureSkipVerify = skip
	}
}

// WithHeader adds a request header sent with every fetch.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPSource) {
		if s.Headers == nil {
			s.Headers = make(map[string]string)
		}
		s.Headers[key] = value
	}
}

// WithClient uses the given client instead of building one.
func WithClient(client *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		s.Client = client
	}
}

// NewHTTPSource creates an HTTP source with a tuned transport.
func NewHTTPSource(opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		UserAgent: DefaultUserAgent,
		Timeout:   HTTPDefaultTimeout,
		MaxSize:   DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.Client == nil {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   HTTPDefaultConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   HTTPDefaultTLSHandshakeTimeout,
			ResponseHeaderTimeout: HTTPDefaultResponseHeaderTimeout,
			IdleConnTimeout:       HTTPDefaultIdleConnTimeout,
			MaxIdleConnsPerHost:   HTTPDefaultMaxIdleConnsPerHost,
			ForceAttemptHTTP2:     true,
		}
		if s.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for development registries
		}
		s.Client = &http.Client{Timeout: s.Timeout, Transport: transport}
	}

	return s
}

// Fetch performs a single GET and returns the body.
func (s *HTTPSource) Fetch(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, &SourceError{Op: "fetch", Location: location, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", s.UserAgent)
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &SourceError{Op: "fetch", Location: location, Err: err, Temporary: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &SourceError{Op: "fetch", Location: location, Err: ErrNotFound}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &SourceError{
			Op:        "fetch",
			Location:  location,
			Err:       fmt.Errorf("unexpected status %s", resp.Status),
			Temporary: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	data, err := readLimited(resp.Body, s.MaxSize)
	if err != nil {
		return nil, &SourceError{Op: "read", Location: location, Err: err, Temporary: true}
	}
	return data, nil
}

// readLimited reads r fully, failing with ErrTooLarge beyond max bytes.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxSize
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrTooLarge
	}
	return data, nil
}
