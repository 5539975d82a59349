package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/pitabwire/addonrt/model"
)

// ErrNotRefreshable is returned by credential sources that cannot renew
// their material.
var ErrNotRefreshable = errors.New("transport: credential cannot be refreshed")

type grant struct {
	model.CredentialSource
	capabilities model.Capability
}

func (g grant) AuthorizedCapabilities() model.Capability { return g.capabilities }

// NewGrant combines credential material with the capabilities it authorizes.
func NewGrant(src model.CredentialSource, capabilities model.Capability) model.AuthorizationGrant {
	return grant{CredentialSource: src, capabilities: capabilities}
}

// StaticToken sends a fixed bearer token. It can be refreshed only when a
// reload function is configured.
type StaticToken struct {
	mu     sync.RWMutex
	token  string
	header string
	scheme string
	reload func(ctx context.Context) (string, error)
}

// StaticTokenOption configures a StaticToken.
type StaticTokenOption func(*StaticToken)

// WithHeader sends the token in header with the given scheme prefix. An
// empty scheme sends the bare token.
func WithHeader(header, scheme string) StaticTokenOption {
	return func(s *StaticToken) {
		s.header = header
		s.scheme = scheme
	}
}

// WithReload sets the function used to re-read the token on refresh.
func WithReload(fn func(ctx context.Context) (string, error)) StaticTokenOption {
	return func(s *StaticToken) { s.reload = fn }
}

// NewStaticToken creates a bearer token credential.
func NewStaticToken(token string, opts ...StaticTokenOption) *StaticToken {
	s := &StaticToken{token: token, header: "Authorization", scheme: "Bearer"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CredentialHeaders implements model.CredentialSource.
func (s *StaticToken) CredentialHeaders(_ context.Context) (http.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return nil, errors.New("transport: static token is empty")
	}
	h := make(http.Header)
	if s.scheme == "" {
		h.Set(s.header, s.token)
	} else {
		h.Set(s.header, s.scheme+" "+s.token)
	}
	return h, nil
}

// RefreshCredential implements model.CredentialSource.
func (s *StaticToken) RefreshCredential(ctx context.Context) error {
	if s.reload == nil {
		return ErrNotRefreshable
	}
	token, err := s.reload(ctx)
	if err != nil {
		return fmt.Errorf("transport: reload token: %w", err)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// OAuth2Credentials holds an OAuth2 access token obtained with a refresh
// token. The first request acquires a token; RefreshCredential forces a new
// one regardless of the current token's expiry.
type OAuth2Credentials struct {
	config *oauth2.Config
	client *http.Client

	mu    sync.Mutex
	token *oauth2.Token
}

// NewOAuth2Credentials creates credentials for the refresh-token flow. A nil
// client uses http.DefaultClient for token requests.
func NewOAuth2Credentials(cfg *oauth2.Config, refreshToken string, client *http.Client) *OAuth2Credentials {
	return &OAuth2Credentials{
		config: cfg,
		client: client,
		token:  &oauth2.Token{RefreshToken: refreshToken},
	}
}

// CredentialHeaders implements model.CredentialSource.
func (o *OAuth2Credentials) CredentialHeaders(ctx context.Context) (http.Header, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.token.Valid() {
		if err := o.exchange(ctx); err != nil {
			return nil, err
		}
	}
	h := make(http.Header)
	h.Set("Authorization", o.token.Type()+" "+o.token.AccessToken)
	return h, nil
}

// RefreshCredential implements model.CredentialSource.
func (o *OAuth2Credentials) RefreshCredential(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exchange(ctx)
}

// exchange trades the refresh token for a new access token. The caller
// holds o.mu.
func (o *OAuth2Credentials) exchange(ctx context.Context) error {
	if o.token.RefreshToken == "" {
		return errors.New("transport: oauth2 refresh token is empty")
	}
	if o.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)
	}
	// A token without an access token is never valid, so the source always
	// hits the token endpoint.
	src := o.config.TokenSource(ctx, &oauth2.Token{RefreshToken: o.token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("transport: oauth2 refresh: %w", err)
	}
	o.token = tok
	return nil
}

// JWTAssertion signs short-lived HS256 bearer tokens for services that
// accept self-issued assertions. Refreshing signs a new token.
type JWTAssertion struct {
	key      []byte
	issuer   string
	subject  string
	audience string
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	signed string
}

// NewJWTAssertion creates an assertion signer. A zero ttl defaults to five
// minutes.
func NewJWTAssertion(key []byte, issuer, subject, audience string, ttl time.Duration) *JWTAssertion {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWTAssertion{
		key:      key,
		issuer:   issuer,
		subject:  subject,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// CredentialHeaders implements model.CredentialSource.
func (j *JWTAssertion) CredentialHeaders(_ context.Context) (http.Header, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.signed == "" {
		if err := j.sign(); err != nil {
			return nil, err
		}
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+j.signed)
	return h, nil
}

// RefreshCredential implements model.CredentialSource.
func (j *JWTAssertion) RefreshCredential(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sign()
}

func (j *JWTAssertion) sign() error {
	if len(j.key) == 0 {
		return errors.New("transport: jwt signing key is empty")
	}
	now := j.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    j.issuer,
		Subject:   j.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
	}
	if j.audience != "" {
		claims.Audience = jwt.ClaimStrings{j.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.key)
	if err != nil {
		return fmt.Errorf("transport: sign assertion: %w", err)
	}
	j.signed = signed
	return nil
}
