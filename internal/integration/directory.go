// Package integration resolves configured integrations into the collaborators
// an invocation needs: implementation name, base URL and authorization grant.
package integration

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"

	"golang.org/x/oauth2"

	"github.com/pitabwire/addonrt/internal/config"
	"github.com/pitabwire/addonrt/internal/transport"
	"github.com/pitabwire/addonrt/model"
)

type entry struct {
	cfg         config.IntegrationConfig
	credentials model.CredentialSource
}

// Directory implements model.IntegrationDirectory over the configured
// integrations. Credential sources live as long as the directory so a
// refreshed credential is reused by later invocations.
type Directory struct {
	entries  map[string]entry
	resolver model.CapabilityResolver
	getenv   func(string) string
	http     *http.Client
}

// Option configures a Directory.
type Option func(*Directory)

// WithEnv overrides how secret environment variables are read.
func WithEnv(getenv func(string) string) Option {
	return func(d *Directory) { d.getenv = getenv }
}

// WithHTTPClient sets the client used for OAuth2 token exchanges.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Directory) { d.http = hc }
}

// NewDirectory builds credential sources for every configured integration.
// It fails if a secret variable is unset.
func NewDirectory(cfgs []config.IntegrationConfig, resolver model.CapabilityResolver, opts ...Option) (*Directory, error) {
	d := &Directory{
		entries:  make(map[string]entry, len(cfgs)),
		resolver: resolver,
		getenv:   os.Getenv,
		http:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, cfg := range cfgs {
		if _, dup := d.entries[cfg.ID]; dup {
			return nil, fmt.Errorf("integration: duplicate id %q", cfg.ID)
		}
		creds, err := d.credentialsFor(cfg)
		if err != nil {
			return nil, fmt.Errorf("integration %q: %w", cfg.ID, err)
		}
		d.entries[cfg.ID] = entry{cfg: cfg, credentials: creds}
	}
	return d, nil
}

// Lookup returns the integration if it belongs to the caller's tenant.
// Integrations of other tenants are reported as not found.
func (d *Directory) Lookup(ctx context.Context, caller *model.Caller, integrationID string) (*model.Integration, error) {
	e, ok := d.entries[integrationID]
	if !ok || caller == nil || e.cfg.TenantID != caller.TenantID {
		return nil, model.NewError(model.ErrIntegrationNotFound,
			fmt.Sprintf("integration %q not found", integrationID))
	}

	caps, err := d.resolver.Resolve(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("integration: resolving capabilities of %q: %w", integrationID, err)
	}

	return &model.Integration{
		ID:             e.cfg.ID,
		TenantID:       e.cfg.TenantID,
		Implementation: e.cfg.Implementation,
		BaseURL:        e.cfg.BaseURL,
		Grant:          transport.NewGrant(e.credentials, caps),
	}, nil
}

// IDs returns the configured integration ids, sorted.
func (d *Directory) IDs() []string {
	ids := make([]string, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Directory) credentialsFor(cfg config.IntegrationConfig) (model.CredentialSource, error) {
	auth := cfg.Auth
	switch auth.Strategy {
	case "static":
		token, err := d.secret(auth.TokenEnv)
		if err != nil {
			return nil, err
		}
		// Refreshing re-reads the variable so a rotated token is picked up.
		return transport.NewStaticToken(token, transport.WithReload(func(context.Context) (string, error) {
			return d.secret(auth.TokenEnv)
		})), nil

	case "oauth2":
		secret, err := d.secret(auth.ClientSecretEnv)
		if err != nil {
			return nil, err
		}
		refresh, err := d.secret(auth.RefreshTokenEnv)
		if err != nil {
			return nil, err
		}
		oc := &oauth2.Config{
			ClientID:     auth.ClientID,
			ClientSecret: secret,
			Endpoint:     oauth2.Endpoint{TokenURL: auth.TokenURL},
			Scopes:       auth.Scopes,
		}
		return transport.NewOAuth2Credentials(oc, refresh, d.http), nil

	case "jwt":
		key, err := d.secret(auth.SigningKeyEnv)
		if err != nil {
			return nil, err
		}
		return transport.NewJWTAssertion([]byte(key), auth.Issuer, auth.Subject, auth.Audience, auth.TTL), nil

	default:
		return nil, fmt.Errorf("unknown auth strategy %q", auth.Strategy)
	}
}

func (d *Directory) secret(name string) (string, error) {
	v := d.getenv(name)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
