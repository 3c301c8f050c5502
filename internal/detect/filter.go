package detect

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// TokenFilter applies the blacklist/whitelist policy to candidate tokens.
// With a non-empty whitelist only listed tokens pass; the blacklist always
// wins.
type TokenFilter struct {
	mu        sync.RWMutex
	blacklist map[common.Address]struct{}
	whitelist map[common.Address]struct{}
}

// NewTokenFilter builds a filter from hex address lists. Malformed entries
// are ignored.
func NewTokenFilter(blacklist, whitelist []string) *TokenFilter {
	f := &TokenFilter{
		blacklist: make(map[common.Address]struct{}),
		whitelist: make(map[common.Address]struct{}),
	}
	for _, s := range blacklist {
		if common.IsHexAddress(s) {
			f.blacklist[common.HexToAddress(s)] = struct{}{}
		}
	}
	for _, s := range whitelist {
		if common.IsHexAddress(s) {
			f.whitelist[common.HexToAddress(s)] = struct{}{}
		}
	}
	return f
}

// Allowed reports whether the token passes the policy.
func (f *TokenFilter) Allowed(token common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, banned := f.blacklist[token]; banned {
		return false
	}
	if len(f.whitelist) > 0 {
		_, ok := f.whitelist[token]
		return ok
	}
	return true
}

// Ban adds a token to the blacklist at runtime, e.g. after a honeypot veto.
func (f *TokenFilter) Ban(token common.Address) {
	f.mu.Lock()
	f.blacklist[token] = struct{}{}
	f.mu.Unlock()
}

// Banned lists the current blacklist, lowercase hex, for the API surface.
func (f *TokenFilter) Banned() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.blacklist))
	for a := range f.blacklist {
		out = append(out, strings.ToLower(a.Hex()))
	}
	return out
}
