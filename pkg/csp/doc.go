// Package csp holds the active content-security-policy and applies it to
// HTTP responses.
//
// The Store keeps the policy text published by the root module. Parsing is
// pure and happens on every Get, so the directive map can never drift from
// the text:
//
//	store := csp.NewStore(csp.DefaultPolicy)
//	store.Update("default-src 'self'; frame-ancestors example.com;")
//	ancestors := store.Get().Values("frame-ancestors")
//
// Middleware writes the Content-Security-Policy header with a per-request
// script nonce, and FrameOptionsMiddleware derives the legacy
// X-Frame-Options header from frame-ancestors.
package csp
