package auth

import (
	"context"
	"slices"

	"github.com/platinummonkey/settle/pkg/contextkeys"
)

// Capability is a billing permission carried in the token scope
type Capability string

const (
	// CapabilityRead allows previews and the read APIs
	CapabilityRead Capability = "billing:read"
	// CapabilityManage allows plan changes and top-ups; it implies read
	CapabilityManage Capability = "billing:manage"
	// CapabilityAll grants everything on every tenant
	CapabilityAll Capability = "*"
)

// Principal is the authenticated caller
type Principal struct {
	Subject      string       `json:"subject"`
	TenantIDs    []int64      `json:"tenant_ids"`
	Capabilities []Capability `json:"capabilities"`
}

// HasCapability reports whether p holds c, directly or by implication
func (p *Principal) HasCapability(c Capability) bool {
	if p == nil {
		return false
	}
	for _, held := range p.Capabilities {
		if held == CapabilityAll || held == c {
			return true
		}
		if held == CapabilityManage && c == CapabilityRead {
			return true
		}
	}
	return false
}

// Can is the single authorization check: capability c on tenantID
func (p *Principal) Can(c Capability, tenantID int64) bool {
	if !p.HasCapability(c) {
		return false
	}
	if slices.Contains(p.Capabilities, CapabilityAll) {
		return true
	}
	return slices.Contains(p.TenantIDs, tenantID)
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = contextkeys.WithPrincipal(ctx, p)
	return contextkeys.WithSubject(ctx, p.Subject)
}

// PrincipalFromContext returns the authenticated principal or nil
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p
}
