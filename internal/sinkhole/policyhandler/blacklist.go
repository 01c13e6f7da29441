package policyhandler

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/sinkholed/sinkholed/internal/obslog"
	"github.com/sinkholed/sinkholed/internal/sinkhole/sinkerr"
	"github.com/sinkholed/sinkholed/internal/sinkhole/trie"
)

// RecordSet is a blacklist zone's payload: a mapping from RRTYPE to a
// record template whose owner-name field is the literal "*", substituted
// at synthesis time.
type RecordSet map[uint16]string

// BlacklistHandler synthesizes sinkhole answers for blacklisted zones,
// including the fabricated NS/A glue that keeps a client returning to the
// sinkhole instead of discovering the real upstream nameservers.
type BlacklistHandler struct {
	Trie   *trie.Trie
	Logger *obslog.Logger
}

// NewBlacklistHandler wires a blacklist trie (keys with RecordSet payloads).
func NewBlacklistHandler(t *trie.Trie, logger *obslog.Logger) *BlacklistHandler {
	return &BlacklistHandler{Trie: t, Logger: logger}
}

// Handle implements Handler per spec.md §4.3.
func (h *BlacklistHandler) Handle(_ context.Context, q Query) Verdict {
	zone, raw, ok := h.Trie.MatchLongestSuffix(q.QName)
	if !ok {
		return Ignore()
	}

	records, ok := raw.(RecordSet)
	if !ok {
		if h.Logger != nil {
			h.Logger.Error("blacklist: zone payload is not a RecordSet", "zone", zone)
		}
		return ErrorVerdict(dns.RcodeServerFailure)
	}

	template, ok := records[q.QType]
	if !ok {
		// The zone exists but has no record of this type: NXDOMAIN, the
		// same as a real zone answering a type it doesn't carry.
		return ErrorVerdict(dns.RcodeNameError)
	}

	answerRR, err := synthesizeRR(template, q.QName)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("blacklist: malformed answer template", "zone", zone, "error", err)
		}
		return ErrorVerdict(dns.RcodeServerFailure)
	}

	verdict := Verdict{RCode: dns.RcodeSuccess, Answer: []dns.RR{answerRR}}

	if q.QType == dns.TypeSOA {
		// AUTHORITY MAY be empty for SOA answers.
		return verdict
	}

	nsTemplate, ok := records[dns.TypeNS]
	if !ok {
		if h.Logger != nil {
			h.Logger.Error("blacklist: zone missing NS template, cannot build glue", "zone", zone)
		}
		return ErrorVerdict(dns.RcodeServerFailure)
	}

	nsRR, err := synthesizeRR(nsTemplate, strings.TrimPrefix(zone, "*."))
	if err != nil {
		return wrapMalformed(h.Logger, zone, err)
	}
	verdict.Authority = []dns.RR{nsRR}

	nsRec, ok := nsRR.(*dns.NS)
	if !ok {
		return wrapMalformed(h.Logger, zone, fmt.Errorf("NS template did not parse as an NS record"))
	}

	// Per the invariant enforced by configuration (not at runtime): a
	// sinkholed zone's nameserver must itself live in a sinkholed zone.
	nsZone, nsRaw, found := h.Trie.MatchLongestSuffix(nsRec.Ns)
	if !found {
		return verdict
	}
	nsRecords, ok := nsRaw.(RecordSet)
	if !ok {
		return verdict
	}
	aTemplate, ok := nsRecords[dns.TypeA]
	if !ok {
		return verdict
	}
	aRR, err := synthesizeRR(aTemplate, nsRec.Ns)
	if err != nil {
		return wrapMalformed(h.Logger, nsZone, err)
	}
	verdict.Additional = []dns.RR{aRR}

	return verdict
}

func wrapMalformed(logger *obslog.Logger, zone string, err error) Verdict {
	if logger != nil {
		logger.Error("blacklist: malformed glue template", "zone", zone, "error", fmt.Errorf("%w: %w", sinkerr.ErrMalformedTemplate, err))
	}
	return ErrorVerdict(dns.RcodeServerFailure)
}

// synthesizeRR parses a record template (owner "*") and substitutes owner
// with name, returning the concrete resource record.
func synthesizeRR(template, owner string) (dns.RR, error) {
	rr, err := dns.NewRR(template)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing template %q: %v", sinkerr.ErrMalformedTemplate, template, err)
	}
	rr.Header().Name = dns.Fqdn(owner)
	return rr, nil
}
