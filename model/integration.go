package model

import "context"

// Integration is one configured connection between an account and a provider
// implementation.
type Integration struct {
	ID             string
	TenantID       string
	Implementation string
	BaseURL        string
	Grant          AuthorizationGrant
}

// IntegrationDirectory looks up configured integrations.
type IntegrationDirectory interface {
	// Lookup returns the integration visible to caller, or an
	// INTEGRATION_NOT_FOUND error.
	Lookup(ctx context.Context, caller *Caller, integrationID string) (*Integration, error)
}
