// Package auth supplies credentials for the live audio service. Secrets are
// held as byte slices so they can be wiped when a session ends.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"

	gauth "cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
)

// ErrNoCredential is returned when no usable secret is configured.
var ErrNoCredential = errors.New("auth: no credential configured")

type Kind int

const (
	// KindAPIKey is sent as the key query parameter.
	KindAPIKey Kind = iota
	// KindBearer is sent as an Authorization header.
	KindBearer
)

func (k Kind) String() string {
	if k == KindBearer {
		return "bearer"
	}
	return "api_key"
}

// Credential is a single secret. The zero value is empty.
type Credential struct {
	Kind  Kind
	value []byte
}

func NewCredential(kind Kind, secret string) Credential {
	return Credential{Kind: kind, value: []byte(secret)}
}

func (c Credential) Value() string { return string(c.value) }

func (c Credential) Empty() bool { return len(c.value) == 0 }

// Zero overwrites the secret in place.
func (c Credential) Zero() {
	clear(c.value)
}

// Clone returns a copy with its own backing bytes.
func (c Credential) Clone() Credential {
	return Credential{Kind: c.Kind, value: append([]byte(nil), c.value...)}
}

// Equal compares two credentials in constant time.
func (c Credential) Equal(o Credential) bool {
	return c.Kind == o.Kind && subtle.ConstantTimeCompare(c.value, o.value) == 1
}

// Provider hands out credentials and drops cached ones when the service
// rejects them. Invalidate reports whether a later Token call can return a
// different credential.
type Provider interface {
	Token(ctx context.Context) (Credential, error)
	Invalidate() bool
}

// APIKeyProvider returns a fixed API key. A key cannot be refreshed, so
// Invalidate always reports false.
type APIKeyProvider struct {
	key []byte
}

func NewAPIKeyProvider(key string) *APIKeyProvider {
	return &APIKeyProvider{key: []byte(strings.TrimSpace(key))}
}

func (p *APIKeyProvider) Token(context.Context) (Credential, error) {
	if len(p.key) == 0 {
		return Credential{}, ErrNoCredential
	}
	return Credential{Kind: KindAPIKey, value: append([]byte(nil), p.key...)}, nil
}

func (p *APIKeyProvider) Invalidate() bool { return false }

// StaticTokenProvider returns a fixed bearer token until invalidated.
type StaticTokenProvider struct {
	mu    sync.Mutex
	token []byte
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: []byte(strings.TrimSpace(token))}
}

func (p *StaticTokenProvider) Token(context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.token) == 0 {
		return Credential{}, ErrNoCredential
	}
	return Credential{Kind: KindBearer, value: append([]byte(nil), p.token...)}, nil
}

// Invalidate wipes the token. Later calls fail with ErrNoCredential.
func (p *StaticTokenProvider) Invalidate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.token)
	p.token = nil
	return false
}

// TokenSource is the subset of *auth.Credentials the ADC provider needs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type detectedSource struct {
	scopes []string

	once  sync.Once
	creds *gauth.Credentials
	err   error
}

func (s *detectedSource) Token(ctx context.Context) (string, error) {
	s.once.Do(func() {
		s.creds, s.err = credentials.DetectDefault(&credentials.DetectOptions{Scopes: s.scopes})
		if s.err != nil {
			s.err = fmt.Errorf("detect default credentials: %w", s.err)
		}
	})
	if s.err != nil {
		return "", s.err
	}
	tok, err := s.creds.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// ADCProvider fetches OAuth tokens from Google application default
// credentials and caches the latest until invalidated.
type ADCProvider struct {
	src TokenSource

	mu     sync.Mutex
	cached []byte
}

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

func NewADCProvider() *ADCProvider {
	return &ADCProvider{src: &detectedSource{scopes: []string{cloudPlatformScope}}}
}

// NewADCProviderWithSource is used in tests and by callers that already hold
// a token source.
func NewADCProviderWithSource(src TokenSource) *ADCProvider {
	return &ADCProvider{src: src}
}

func (p *ADCProvider) Token(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cached) == 0 {
		tok, err := p.src.Token(ctx)
		if err != nil {
			return Credential{}, err
		}
		if strings.TrimSpace(tok) == "" {
			return Credential{}, ErrNoCredential
		}
		p.cached = []byte(tok)
	}
	return Credential{Kind: KindBearer, value: append([]byte(nil), p.cached...)}, nil
}

func (p *ADCProvider) Invalidate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.cached)
	p.cached = nil
	return true
}

// Settings selects a provider. Provider is "gemini" or "vertex".
type Settings struct {
	Provider    string
	APIKey      string
	AccessToken string
}

// FromSettings picks the provider for the configured backend. Vertex prefers
// an explicit access token and falls back to application default credentials.
func FromSettings(s Settings) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "", "gemini":
		if strings.TrimSpace(s.APIKey) == "" {
			return nil, ErrNoCredential
		}
		return NewAPIKeyProvider(s.APIKey), nil
	case "vertex":
		if strings.TrimSpace(s.AccessToken) != "" {
			return NewStaticTokenProvider(s.AccessToken), nil
		}
		return NewADCProvider(), nil
	default:
		return nil, fmt.Errorf("auth: unknown provider %q", s.Provider)
	}
}
