package policyhandler

import (
	"context"

	"github.com/miekg/dns"

	"github.com/sinkholed/sinkholed/internal/obslog"
)

// RecursiveHandler is a stateless adapter that always forwards to upstream
// and returns its full response verbatim. It never returns Ignore.
type RecursiveHandler struct {
	Upstream Upstream
	Logger   *obslog.Logger
}

// NewRecursiveHandler wires the terminal fallback handler.
func NewRecursiveHandler(upstream Upstream, logger *obslog.Logger) *RecursiveHandler {
	return &RecursiveHandler{Upstream: upstream, Logger: logger}
}

// Handle implements Handler.
func (h *RecursiveHandler) Handle(ctx context.Context, q Query) Verdict {
	resp, err := h.Upstream.Send(ctx, q)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("recursive: upstream query failed", "qname", q.QName, "error", err)
		}
		return ErrorVerdict(dns.RcodeServerFailure)
	}
	return resp
}
