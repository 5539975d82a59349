package model

import (
	"context"
	"net/http"
)

// CredentialSource supplies credential material for outbound requests and
// can renew it when the remote service reports it expired.
type CredentialSource interface {
	// CredentialHeaders returns the headers to attach to every request.
	CredentialHeaders(ctx context.Context) (http.Header, error)

	// RefreshCredential renews the credential material. A failure means the
	// credential cannot be used until it is re-established out of band.
	RefreshCredential(ctx context.Context) error
}

// AuthorizationGrant is the account-owner consent behind an integration:
// the capabilities it authorizes plus its credential material.
type AuthorizationGrant interface {
	CredentialSource

	// AuthorizedCapabilities returns the capabilities the grant allows.
	AuthorizedCapabilities() Capability
}

// PolicyEvaluator resolves the capabilities an integration has been granted.
type PolicyEvaluator interface {
	ResolveCapabilities(ctx context.Context, integrationID string) (Capability, error)
}

// CapabilityResolver resolves and caches granted capabilities.
type CapabilityResolver interface {
	Resolve(ctx context.Context, integrationID string) (Capability, error)
	Invalidate(integrationID string)
}
