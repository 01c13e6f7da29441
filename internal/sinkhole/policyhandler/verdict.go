package policyhandler

import "github.com/miekg/dns"

// ignoreRcode is the private sentinel meaning "this handler declines;
// continue the chain." 11 is reserved in the DNS spec for future use, so it
// can never legitimately originate from a real resolver or appear on the
// wire; the response builder asserts this before every write.
const ignoreRcode = 11

// Verdict is what a handler, the chain, and CensorLearn pass around. It is
// never serialized directly: QueryPipeline turns the winning Verdict into a
// wire dns.Msg.
type Verdict struct {
	RCode      int
	Answer     []dns.RR
	Authority  []dns.RR
	Additional []dns.RR

	// Header flags, set by the handler that produced this verdict.
	AA bool // authoritative answer
	RA bool // recursion available
	AD bool // authenticated data
}

// IsIgnore reports whether this verdict is the private "not my
// jurisdiction" sentinel. It must never be true on a verdict that reaches
// the wire; QueryPipeline asserts this.
func (v Verdict) IsIgnore() bool {
	return v.RCode == ignoreRcode
}

// Ignore returns the sentinel verdict meaning a handler has nothing to say
// about this query; HandlerChain moves on to the next handler.
func Ignore() Verdict {
	return Verdict{RCode: ignoreRcode}
}

// ErrorVerdict returns a verdict carrying only an error rcode (ServFail,
// NXDomain, ...) and no sections.
func ErrorVerdict(rcode int) Verdict {
	return Verdict{RCode: rcode}
}

// Answered returns a NOERROR verdict with the given sections.
func Answered(answer, authority, additional []dns.RR) Verdict {
	return Verdict{
		RCode:      dns.RcodeSuccess,
		Answer:     answer,
		Authority:  authority,
		Additional: additional,
	}
}
