// Package integrity verifies artifact bytes against declared integrity tokens.
//
// Two token forms are accepted: Subresource Integrity metadata
// ("sha384-<base64>", optionally several separated by spaces) as found in
// module maps served to browsers, and OCI content digests ("sha256:<hex>").
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrMismatch is returned when bytes do not match the token.
	ErrMismatch = errors.New("integrity mismatch")

	// ErrMalformed is returned when a token cannot be parsed.
	ErrMalformed = errors.New("malformed integrity token")
)

// Algorithm names a supported SRI hash algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
)

var strength = map[Algorithm]int{SHA256: 1, SHA384: 2, SHA512: 3}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// Hash is one parsed SRI hash expression.
type Hash struct {
	Algorithm Algorithm
	Sum       []byte
}

// Token is a parsed integrity token.
type Token struct {
	raw    string
	hashes []Hash
	digest digest.Digest
}

// String returns the token as written in the manifest.
func (t Token) String() string {
	return t.raw
}

// IsDigest reports whether the token is an OCI content digest.
func (t Token) IsDigest() bool {
	return t.digest != ""
}

// Parse parses an integrity token.
func Parse(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	if strings.Contains(raw, ":") && !strings.Contains(raw, " ") {
		d, err := digest.Parse(raw)
		if err != nil {
			return Token{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Token{raw: raw, digest: d}, nil
	}

	tok := Token{raw: raw}
	for _, expr := range strings.Fields(raw) {
		alg, value, ok := strings.Cut(expr, "-")
		if !ok {
			return Token{}, fmt.Errorf("%w: %q has no algorithm prefix", ErrMalformed, expr)
		}
		algorithm := Algorithm(strings.ToLower(alg))
		if _, known := strength[algorithm]; !known {
			continue
		}
		// Options after '?' are reserved by SRI and ignored.
		value, _, _ = strings.Cut(value, "?")
		sum, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return Token{}, fmt.Errorf("%w: %q: %v", ErrMalformed, expr, err)
		}
		if len(sum) != algorithm.newHash().Size() {
			return Token{}, fmt.Errorf("%w: %q has wrong digest length", ErrMalformed, expr)
		}
		tok.hashes = append(tok.hashes, Hash{Algorithm: algorithm, Sum: sum})
	}

	if len(tok.hashes) == 0 {
		return Token{}, fmt.Errorf("%w: no supported hash in %q", ErrMalformed, raw)
	}
	return tok, nil
}

// Verify checks data against the token. For SRI tokens only the strongest
// algorithm present is considered, and any hash of that algorithm may match.
func (t Token) Verify(data []byte) error {
	if t.IsDigest() {
		verifier := t.digest.Verifier()
		if _, err := verifier.Write(data); err != nil {
			return fmt.Errorf("failed to hash artifact: %w", err)
		}
		if !verifier.Verified() {
			return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, t.digest, t.digest.Algorithm().FromBytes(data))
		}
		return nil
	}

	strongest := t.strongest()
	h := strongest.newHash()
	h.Write(data)
	computed := h.Sum(nil)

	for _, candidate := range t.hashes {
		if candidate.Algorithm != strongest {
			continue
		}
		if subtle.ConstantTimeCompare(candidate.Sum, computed) == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, t.raw, formatSRI(strongest, computed))
}

func (t Token) strongest() Algorithm {
	best := t.hashes[0].Algorithm
	for _, h := range t.hashes[1:] {
		if strength[h.Algorithm] > strength[best] {
			best = h.Algorithm
		}
	}
	return best
}

// Verify parses raw and checks data against it.
func Verify(data []byte, raw string) error {
	tok, err := Parse(raw)
	if err != nil {
		return err
	}
	return tok.Verify(data)
}

// Compute returns the SRI token of data for the algorithm.
func Compute(data []byte, alg Algorithm) (string, error) {
	if _, ok := strength[alg]; !ok {
		return "", fmt.Errorf("unsupported algorithm: %s", alg)
	}
	h := alg.newHash()
	h.Write(data)
	return formatSRI(alg, h.Sum(nil)), nil
}

// ComputeDigest returns the OCI sha256 digest of data.
func ComputeDigest(data []byte) string {
	return digest.FromBytes(data).String()
}

func formatSRI(alg Algorithm, sum []byte) string {
	return string(alg) + "-" + base64.StdEncoding.EncodeToString(sum)
}
