package model

import (
	"context"
	"testing"
)

func TestCaller_Validate(t *testing.T) {
	tests := []struct {
		name    string
		c       *Caller
		wantErr bool
	}{
		{
			name:    "valid caller",
			c:       &Caller{SubjectID: "user-1", TenantID: "tenant-1"},
			wantErr: false,
		},
		{
			name:    "missing SubjectID",
			c:       &Caller{TenantID: "tenant-1"},
			wantErr: true,
		},
		{
			name:    "missing TenantID",
			c:       &Caller{SubjectID: "user-1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			c:       &Caller{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCaller_Identity(t *testing.T) {
	c := &Caller{SubjectID: "user-1", TenantID: "tenant-1"}
	if got := c.Identity(); got != "tenant-1/user-1" {
		t.Errorf("Identity() = %q, want tenant-1/user-1", got)
	}
}

func TestCaller_Claim(t *testing.T) {
	c := &Caller{Claims: map[string]any{"scope": "files"}}
	if got := c.Claim("scope"); got != "files" {
		t.Errorf("Claim(scope) = %v, want files", got)
	}
	if got := c.Claim("missing"); got != nil {
		t.Errorf("Claim(missing) = %v, want nil", got)
	}

	empty := &Caller{}
	if got := empty.Claim("scope"); got != nil {
		t.Errorf("Claim on nil map = %v, want nil", got)
	}
}

func TestCallerFrom(t *testing.T) {
	if got := CallerFrom(context.Background()); got != nil {
		t.Errorf("CallerFrom(empty) = %v, want nil", got)
	}

	c := &Caller{SubjectID: "user-1", TenantID: "tenant-1"}
	ctx := WithCaller(context.Background(), c)
	if got := CallerFrom(ctx); got != c {
		t.Errorf("CallerFrom() = %v, want %v", got, c)
	}
}
