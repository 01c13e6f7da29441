package server

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinkholed/sinkholed/internal/config"
	"github.com/sinkholed/sinkholed/internal/ratelimit"
	"github.com/sinkholed/sinkholed/internal/ruleengine"
	"github.com/sinkholed/sinkholed/internal/sinkhole/censor"
	"github.com/sinkholed/sinkholed/internal/sinkhole/pipeline"
	"github.com/sinkholed/sinkholed/internal/sinkhole/policyhandler"
	"github.com/sinkholed/sinkholed/internal/sinkhole/trie"
)

type fakeUpstream struct{}

func (fakeUpstream) Send(_ context.Context, q policyhandler.Query) (policyhandler.Verdict, error) {
	rr, _ := dns.NewRR(q.QName + " 300 IN A 203.0.113.9")
	return policyhandler.Verdict{RCode: dns.RcodeSuccess, Answer: []dns.RR{rr}, RA: true}, nil
}

func buildTestServer(t *testing.T, addr string) *Server {
	t.Helper()
	wl := trie.New()
	bl := trie.New()
	chain := policyhandler.NewChain(
		policyhandler.NewWhitelistHandler(wl, fakeUpstream{}, nil),
		policyhandler.NewBlacklistHandler(bl, nil),
		policyhandler.NewRecursiveHandler(fakeUpstream{}, nil),
	)
	learner := censor.New(wl, bl, false, false, nil)
	p := pipeline.New(chain, learner, nil, 2*time.Second)
	return New(Config{ListenAddress: addr, UDPEnabled: true}, p, nil, nil, nil)
}

func TestServeDNSResolvesOverUDP(t *testing.T) {
	srv := buildTestServer(t, "127.0.0.1:0")

	go func() { _ = srv.Start(context.Background()) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server did not become ready")
	}

	addr := srv.udpServer.PacketConn.LocalAddr().String()

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	client := &dns.Client{Net: "udp", Timeout: time.Second}
	resp, _, err := client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)

	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestServeDNSRuleEngineForcesBlock(t *testing.T) {
	wl := trie.New()
	bl := trie.New()
	chain := policyhandler.NewChain(policyhandler.NewRecursiveHandler(fakeUpstream{}, nil))
	learner := censor.New(wl, bl, false, false, nil)
	p := pipeline.New(chain, learner, nil, time.Second)

	engine, err := ruleengine.New(&config.RuleEngine{
		Enabled: true,
		Rules:   []config.Rule{{Name: "always-block", Logic: "true", Action: "BLOCK", Enabled: true}},
	})
	require.NoError(t, err)

	srv := New(Config{ListenAddress: "127.0.0.1:0", UDPEnabled: true}, p, nil, nil, nil,
		WithRuleEngine(engine, policyhandler.NewRecursiveHandler(fakeUpstream{}, nil)))

	go func() { _ = srv.Start(context.Background()) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server did not become ready")
	}

	addr := srv.udpServer.PacketConn.LocalAddr().String()

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	client := &dns.Client{Net: "udp", Timeout: time.Second}
	resp, _, err := client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)

	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestServeDNSRateLimited(t *testing.T) {
	wl := trie.New()
	bl := trie.New()
	chain := policyhandler.NewChain(policyhandler.NewRecursiveHandler(fakeUpstream{}, nil))
	learner := censor.New(wl, bl, false, false, nil)
	p := pipeline.New(chain, learner, nil, time.Second)

	limiter := ratelimit.New(&config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 0}, nil)
	srv := New(Config{ListenAddress: "127.0.0.1:0", UDPEnabled: true}, p, limiter, nil, nil)

	go func() { _ = srv.Start(context.Background()) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server did not become ready")
	}

	addr := srv.udpServer.PacketConn.LocalAddr().String()

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	client := &dns.Client{Net: "udp", Timeout: time.Second}
	resp, _, err := client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)

	require.NoError(t, srv.Shutdown(context.Background()))
}
