package csp

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// HeaderPolicy is the response header carrying the policy.
	HeaderPolicy = "Content-Security-Policy"

	// HeaderFrameOptions is the legacy frame-control response header.
	HeaderFrameOptions = "X-Frame-Options"
)

type nonceContextKey struct{}

// NonceFromContext returns the script nonce issued for the request, if any.
func NonceFromContext(ctx context.Context) (string, bool) {
	n, ok := ctx.Value(nonceContextKey{}).(string)
	return n, ok && n != ""
}

// Options configures the policy middleware.
type Options struct {
	// Disabled computes the policy but never attaches it to responses.
	Disabled bool

	// Development appends DevSources to script-src and connect-src.
	Development bool

	// AllowInlineScripts skips nonce issuance in development.
	AllowInlineScripts bool

	// DevSources overrides the development additions. Defaults to the host
	// address plus localhost and its websocket origin.
	DevSources []string

	// Logger receives debug output.
	Logger zerolog.Logger
}

// Middleware attaches the store's policy to every response. A fresh nonce is
// inserted into script-src per request and exposed via NonceFromContext.
func Middleware(store *Store, opts Options) func(http.Handler) http.Handler {
	logger := opts.Logger.With().Str("component", "csp").Logger()

	devAdditions := strings.Join(opts.DevSources, " ")
	if opts.Development && devAdditions == "" {
		devAdditions = strings.Join(defaultDevSources(), " ")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := store.Policy()
			nonce := uuid.NewString()
			ctx := r.Context()

			var updated string
			if opts.Development {
				var scriptSrc string
				if opts.AllowInlineScripts {
					scriptSrc = InsertSource(policy, "script-src", devAdditions)
				} else {
					ctx = context.WithValue(ctx, nonceContextKey{}, nonce)
					scriptSrc = InsertSource(policy, "script-src", "'nonce-"+nonce+"' "+devAdditions)
				}
				updated = InsertSource(scriptSrc, "connect-src", devAdditions)
			} else {
				ctx = context.WithValue(ctx, nonceContextKey{}, nonce)
				updated = InsertSource(policy, "script-src", "'nonce-"+nonce+"'")
			}

			if !opts.Disabled && updated != "" {
				w.Header().Set(HeaderPolicy, updated)
			} else if opts.Disabled {
				logger.Trace().Str("path", r.URL.Path).Msg("Policy header suppressed")
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FrameOptionsMiddleware sets X-Frame-Options to ALLOW-FROM the referring
// page when the referer matches a frame-ancestors source.
func FrameOptionsMiddleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if value, ok := FrameOptions(store.Get(), r.Referer()); ok {
				w.Header().Set(HeaderFrameOptions, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FrameOptions computes the X-Frame-Options value for a referer. A source
// matches when the referer's host matches the source host (a leading "*."
// covers subdomains) and, when given, its scheme and path prefix. Any path
// below a matching origin is allowed.
func FrameOptions(directives Directives, referer string) (string, bool) {
	ancestors := directives.Values("frame-ancestors")
	if len(ancestors) == 0 || referer == "" {
		return "", false
	}

	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		if u, err = url.Parse("https://" + referer); err != nil || u.Host == "" {
			return "", false
		}
	}

	for _, source := range ancestors {
		if matchSource(source, u) {
			return "ALLOW-FROM " + referer, true
		}
	}
	return "", false
}

// matchSource reports whether a CSP host source covers u. Keyword sources
// such as 'self' never match.
func matchSource(source string, u *url.URL) bool {
	if source == "" || strings.HasPrefix(source, "'") {
		return false
	}

	if scheme, rest, ok := strings.Cut(source, "://"); ok {
		if !strings.EqualFold(scheme, u.Scheme) {
			return false
		}
		source = rest
	}

	host, prefix, _ := strings.Cut(source, "/")
	matched, err := path.Match(strings.ToLower(host), strings.ToLower(u.Host))
	if err != nil || !matched {
		return false
	}
	return prefix == "" || strings.HasPrefix(strings.TrimPrefix(u.Path, "/"), prefix)
}

func defaultDevSources() []string {
	sources := []string{"localhost:*", "ws://localhost:*"}
	if ip := hostAddress(); ip != "" {
		sources = append([]string{ip + ":*"}, sources...)
	}
	return sources
}

// hostAddress returns the first non-loopback IPv4 address of the host.
func hostAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
