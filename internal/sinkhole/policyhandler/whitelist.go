package policyhandler

import (
	"context"

	"github.com/miekg/dns"

	"github.com/sinkholed/sinkholed/internal/obslog"
	"github.com/sinkholed/sinkholed/internal/sinkhole/trie"
)

// WhitelistHandler resolves policy-exempted domains recursively while
// stripping delegation glue, so a client cannot learn which upstream
// nameservers actually serve a whitelisted zone.
type WhitelistHandler struct {
	Trie     *trie.Trie
	Upstream Upstream
	Logger   *obslog.Logger
}

// NewWhitelistHandler wires a whitelist trie (keys only, no payloads) to an
// upstream resolver.
func NewWhitelistHandler(t *trie.Trie, upstream Upstream, logger *obslog.Logger) *WhitelistHandler {
	return &WhitelistHandler{Trie: t, Upstream: upstream, Logger: logger}
}

// Handle implements Handler. If no wildcard-enumerated candidate for
// q.QName is in the whitelist trie, it declines with Ignore; otherwise it
// queries upstream and returns only the ANSWER section, never the upstream
// AUTHORITY/ADDITIONAL sections.
func (h *WhitelistHandler) Handle(ctx context.Context, q Query) Verdict {
	if _, _, ok := h.Trie.MatchLongestSuffix(q.QName); !ok {
		return Ignore()
	}

	resp, err := h.Upstream.Send(ctx, q)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("whitelist: upstream query failed", "qname", q.QName, "error", err)
		}
		return ErrorVerdict(dns.RcodeServerFailure)
	}

	return Verdict{
		RCode:  resp.RCode,
		Answer: resp.Answer,
		RA:     true,
	}
}
