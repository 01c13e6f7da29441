package pipeline

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinkholed/sinkholed/internal/sinkhole/censor"
	"github.com/sinkholed/sinkholed/internal/sinkhole/policyhandler"
	"github.com/sinkholed/sinkholed/internal/sinkhole/trie"
)

type fakeUpstream struct {
	resp policyhandler.Verdict
	err  error
}

func (f fakeUpstream) Send(_ context.Context, _ policyhandler.Query) (policyhandler.Verdict, error) {
	return f.resp, f.err
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func question(qname string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	return m
}

func buildFixture(t *testing.T, upstream policyhandler.Upstream) (*trie.Trie, *trie.Trie) {
	t.Helper()
	wl := trie.New()
	_, err := wl.Add("microsoft.com", nil)
	require.NoError(t, err)

	bl := trie.New()
	_, err = bl.Add("dyndns.org", policyhandler.RecordSet{
		dns.TypeA:  "* 86400 IN A 10.1.2.3",
		dns.TypeNS: "* 86400 IN NS ns.sinkhole.example.com.",
	})
	require.NoError(t, err)
	_, err = bl.Add("ns.sinkhole.example.com", policyhandler.RecordSet{
		dns.TypeA: "* 86400 IN A 10.1.2.3",
	})
	require.NoError(t, err)
	return wl, bl
}

func buildPipeline(t *testing.T, wl, bl *trie.Trie, upstream policyhandler.Upstream, autoBlacklist bool) *Pipeline {
	t.Helper()
	var handlers []policyhandler.Handler
	handlers = append(handlers, policyhandler.NewWhitelistHandler(wl, upstream, nil))
	handlers = append(handlers, policyhandler.NewBlacklistHandler(bl, nil))
	if upstream != nil {
		handlers = append(handlers, policyhandler.NewRecursiveHandler(upstream, nil))
	}
	chain := policyhandler.NewChain(handlers...)
	learner := censor.New(wl, bl, false, autoBlacklist, nil)
	return New(chain, learner, nil, 0)
}

func TestScenario1SinkholeSubdomain(t *testing.T) {
	wl, bl := buildFixture(t, nil)
	p := buildPipeline(t, wl, bl, fakeUpstream{}, false)

	resp := p.Resolve(context.Background(), question("mtfnpy.dyndns.org", dns.TypeA))

	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "mtfnpy.dyndns.org.", resp.Answer[0].Header().Name)
	require.Len(t, resp.Ns, 1)
	assert.Equal(t, "dyndns.org.", resp.Ns[0].Header().Name)
	require.Len(t, resp.Extra, 1)
	assert.Equal(t, "ns.sinkhole.example.com.", resp.Extra[0].Header().Name)
}

func TestScenario2SinkholeExactZone(t *testing.T) {
	wl, bl := buildFixture(t, nil)
	p := buildPipeline(t, wl, bl, fakeUpstream{}, false)

	resp := p.Resolve(context.Background(), question("dyndns.org", dns.TypeA))

	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "dyndns.org.", resp.Answer[0].Header().Name)
}

func TestScenario3RecursivePathScrubsUnclaimedAuthority(t *testing.T) {
	wl, bl := buildFixture(t, nil)
	upstream := fakeUpstream{resp: policyhandler.Verdict{
		RCode:     dns.RcodeSuccess,
		Answer:    []dns.RR{mustRR(t, "mtfnpy.org. 300 IN A 203.0.113.9")},
		Authority: []dns.RR{mustRR(t, "mtfnpy.org. 300 IN NS ns1.upstream.net.")},
		RA:        true,
	}}
	p := buildPipeline(t, wl, bl, upstream, false)

	resp := p.Resolve(context.Background(), question("mtfnpy.org", dns.TypeA))

	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	assert.Empty(t, resp.Ns)
	assert.Empty(t, resp.Extra)
}

func TestScenario4WhitelistPathStripsDelegationGlue(t *testing.T) {
	wl, bl := buildFixture(t, nil)
	upstream := fakeUpstream{resp: policyhandler.Verdict{
		RCode:     dns.RcodeSuccess,
		Answer:    []dns.RR{mustRR(t, "www.microsoft.com. 300 IN A 20.70.246.20")},
		Authority: []dns.RR{mustRR(t, "microsoft.com. 300 IN NS ns1.msft.net.")},
	}}
	p := buildPipeline(t, wl, bl, upstream, false)

	resp := p.Resolve(context.Background(), question("www.microsoft.com", dns.TypeA))

	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	assert.Empty(t, resp.Ns)
	assert.Empty(t, resp.Extra)
}

func TestScenario5AllIgnoreYieldsSynthesizedNXDomain(t *testing.T) {
	wl, bl := buildFixture(t, nil)
	p := buildPipeline(t, wl, bl, nil, false)

	resp := p.Resolve(context.Background(), question("www.richardharman.com", dns.TypeA))

	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, resp.Ns)
	assert.Empty(t, resp.Extra)
}

func TestScenario6AutoBlacklistClonesAndReprocesses(t *testing.T) {
	wl, bl := buildFixture(t, nil)
	upstream := fakeUpstream{resp: policyhandler.Verdict{
		RCode:     dns.RcodeSuccess,
		Answer:    []dns.RR{mustRR(t, "new.zone. 300 IN A 203.0.113.50")},
		Authority: []dns.RR{mustRR(t, "new.zone. 300 IN NS ns.sinkhole.example.com.")},
		RA:        true,
	}}
	p := buildPipeline(t, wl, bl, upstream, true)

	resp := p.Resolve(context.Background(), question("new.zone", dns.TypeA))

	// ns.sinkhole.example.com's own RecordSet carries only an A template, so
	// the clone inherits that gap: the reprocessed BlacklistHandler pass
	// finds new.zone but can't build NS glue for it and reports ServFail.
	// The load-bearing assertion is the clone itself.
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	_, ok := bl.Lookup("new.zone")
	assert.True(t, ok, "censor-learn should have cloned the blacklist entry to new.zone")
}

func TestResolveNeverEmitsIgnoreRcode(t *testing.T) {
	wl, bl := buildFixture(t, nil)
	p := buildPipeline(t, wl, bl, nil, false)

	resp := p.Resolve(context.Background(), question("unmatched.example", dns.TypeA))

	for _, bad := range []int{11} {
		assert.NotEqual(t, bad, resp.Rcode)
	}
}

func TestResolveServFailsWhenDeadlineAlreadyExpired(t *testing.T) {
	wl, bl := buildFixture(t, nil)
	p := buildPipeline(t, wl, bl, fakeUpstream{}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	// dyndns.org is a pure in-memory blacklist hit with no upstream call,
	// so this proves the deadline is enforced even on paths that never
	// touch the network.
	resp := p.Resolve(ctx, question("dyndns.org", dns.TypeA))

	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestResolveRejectsMultiQuestion(t *testing.T) {
	wl, bl := buildFixture(t, nil)
	p := buildPipeline(t, wl, bl, nil, false)

	m := new(dns.Msg)
	m.Question = []dns.Question{
		{Name: "a.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "b.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}
	resp := p.Resolve(context.Background(), m)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
}
