package hub

import (
	"context"
	"sync"
)

// StaticAuthorizer gates hub writes with an in-process allowlist. It
// implements memory.Authorizer.
type StaticAuthorizer struct {
	mu      sync.RWMutex
	allowed map[string]struct{}
}

// NewStaticAuthorizer creates an authorizer granting the listed accounts.
func NewStaticAuthorizer(accounts ...string) *StaticAuthorizer {
	a := &StaticAuthorizer{allowed: make(map[string]struct{}, len(accounts))}
	for _, acct := range accounts {
		a.allowed[acct] = struct{}{}
	}
	return a
}

// Allow grants the account.
func (a *StaticAuthorizer) Allow(account string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[account] = struct{}{}
}

// Revoke removes the account's grant.
func (a *StaticAuthorizer) Revoke(account string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allowed, account)
}

// IsAuthorized reports whether the account may write to the hub.
func (a *StaticAuthorizer) IsAuthorized(_ context.Context, account string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.allowed[account]
	return ok
}
