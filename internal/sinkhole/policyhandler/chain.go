package policyhandler

import (
	"context"

	"github.com/miekg/dns"
)

// Chain calls its handlers in configured order; the first verdict that
// isn't the private Ignore sentinel wins. If every handler declines, the
// chain synthesizes an NXDOMAIN verdict with empty sections. The mandated
// default order is Whitelist, Blacklist, Recursive: whitelist precedes
// blacklist so a carve-out inside a blacklisted parent is honored, and
// recursive runs last so it's only reached when no policy applies.
type Chain struct {
	handlers []Handler
}

// NewChain builds a handler chain from an ordered handler list.
func NewChain(handlers ...Handler) *Chain {
	return &Chain{handlers: handlers}
}

// Handle implements Handler by delegating to the configured chain.
func (c *Chain) Handle(ctx context.Context, q Query) Verdict {
	for _, h := range c.handlers {
		v := h.Handle(ctx, q)
		if !v.IsIgnore() {
			return v
		}
	}
	return ErrorVerdict(dns.RcodeNameError)
}
