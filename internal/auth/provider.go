// Package auth covers the gateway's authentication surface: pluggable token
// providers, opaque server-side sessions, and the single-use tickets that
// bind a stream connection to an authenticated principal.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"

	"github.com/titanworks/titan/internal/fault"
)

// Principal is an authenticated identity.
type Principal struct {
	UserID   string   `json:"userId"`
	Roles    []string `json:"roles,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenProvider validates an external credential and yields the principal.
type TokenProvider interface {
	Name() string
	Validate(ctx context.Context, token string) (Principal, error)
}

// MockProvider accepts tokens of the form "mock:<user>". Dev and test only.
type MockProvider struct{}

func (MockProvider) Name() string { return "Mock" }

func (MockProvider) Validate(_ context.Context, token string) (Principal, error) {
	user, ok := strings.CutPrefix(token, "mock:")
	if !ok || user == "" {
		return Principal{}, fault.New(fault.KindUnauthorized, "mock token malformed")
	}
	return Principal{UserID: user, Provider: "Mock"}, nil
}

// IntrospectionProvider validates tokens against an external HTTP endpoint
// (platform identity service). Verdicts are cached briefly and the endpoint
// sits behind a breaker so an identity outage degrades to cached sessions
// instead of hammering a dead service.
type IntrospectionProvider struct {
	name    string
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *expirable.LRU[string, Principal]
}

func NewIntrospectionProvider(name, url string) *IntrospectionProvider {
	return &IntrospectionProvider{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "auth-introspect-" + name,
			Timeout: 30 * time.Second,
		}),
		cache: expirable.NewLRU[string, Principal](4096, nil, time.Minute),
	}
}

func (p *IntrospectionProvider) Name() string { return p.name }

type introspectionResult struct {
	Active bool     `json:"active"`
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

func (p *IntrospectionProvider) Validate(ctx context.Context, token string) (Principal, error) {
	if principal, ok := p.cache.Get(token); ok {
		return principal, nil
	}

	res, err := p.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(map[string]string{"token": token})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fault.New(fault.KindTransient, "introspection endpoint returned %d", resp.StatusCode)
		}
		var out introspectionResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return Principal{}, fault.Wrap(fault.KindTransient, err, "token introspection via %s", p.name)
	}

	out := res.(introspectionResult)
	if !out.Active || out.UserID == "" {
		return Principal{}, fault.New(fault.KindUnauthorized, "token rejected by %s", p.name)
	}
	principal := Principal{UserID: out.UserID, Roles: out.Roles, Provider: p.name}
	p.cache.Add(token, principal)
	return principal, nil
}

// ProviderSet indexes token providers by name.
type ProviderSet struct {
	providers map[string]TokenProvider
	names     []string
}

func NewProviderSet(providers ...TokenProvider) *ProviderSet {
	s := &ProviderSet{providers: map[string]TokenProvider{}}
	for _, p := range providers {
		s.providers[p.Name()] = p
		s.names = append(s.names, p.Name())
	}
	return s
}

func (s *ProviderSet) Names() []string { return append([]string(nil), s.names...) }

func (s *ProviderSet) Lookup(name string) (TokenProvider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fault.New(fault.KindInvalidInput, "unknown auth provider %q", name)
	}
	return p, nil
}
