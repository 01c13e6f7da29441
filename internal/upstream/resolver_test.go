package upstream

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinkholed/sinkholed/internal/sinkhole/policyhandler"
)

// fakeDNSServer answers every query on a UDP socket with the response the
// test configured for that qname, or NXDOMAIN if none was configured.
func fakeDNSServer(t *testing.T, responses map[string]*dns.Msg) (addr string, cleanup func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			n, clientAddr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			if len(req.Question) > 0 {
				if mock, ok := responses[req.Question[0].Name]; ok {
					resp = mock.Copy()
					resp.SetReply(req)
				} else {
					resp.SetRcode(req, dns.RcodeNameError)
				}
			}
			packed, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(packed, clientAddr)
		}
	}()

	return pc.LocalAddr().String(), func() {
		_ = pc.Close()
		<-done
	}
}

func TestResolverSendReturnsUpstreamAnswer(t *testing.T) {
	rr, err := dns.NewRR("example.com. 300 IN A 203.0.113.7")
	require.NoError(t, err)
	mock := new(dns.Msg)
	mock.Answer = []dns.RR{rr}
	mock.RecursionAvailable = true

	addr, cleanup := fakeDNSServer(t, map[string]*dns.Msg{"example.com.": mock})
	defer cleanup()

	r := New([]string{addr}, 2*time.Second, nil)
	v, err := r.Send(context.Background(), policyhandler.Query{QName: "example.com", QType: dns.TypeA, QClass: dns.ClassINET})

	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, v.RCode)
	require.Len(t, v.Answer, 1)
	assert.True(t, v.RA)
}

func TestResolverSendNoServersConfigured(t *testing.T) {
	r := New(nil, time.Second, nil)
	_, err := r.Send(context.Background(), policyhandler.Query{QName: "example.com", QType: dns.TypeA})
	assert.Error(t, err)
}

func TestResolverNormalizesMissingPort(t *testing.T) {
	r := New([]string{"1.1.1.1"}, time.Second, nil)
	assert.Equal(t, "1.1.1.1:53", r.servers[0])
}

func TestUpstreamHealthOpensAfterConsecutiveFailures(t *testing.T) {
	h := newUpstreamHealth(3, 1, time.Hour)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		err := h.attempt(func() error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.True(t, h.isHealthy(), "should stay healthy below the failure threshold")
	}

	err := h.attempt(func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, h.isHealthy(), "third consecutive failure should mark the upstream down")

	err = h.attempt(func() error { return nil })
	assert.ErrorIs(t, err, ErrUpstreamDown, "down upstream should fail fast without calling query")
}

func TestUpstreamHealthRecoversAfterProbeSucceeds(t *testing.T) {
	h := newUpstreamHealth(1, 1, 0)
	boom := errors.New("boom")

	require.ErrorIs(t, h.attempt(func() error { return boom }), boom)
	require.False(t, h.isHealthy())

	require.NoError(t, h.attempt(func() error { return nil }))
	assert.True(t, h.isHealthy(), "a successful probe should close the recovery window")
}

func TestSelectServerSkipsDownUpstreams(t *testing.T) {
	r := New([]string{"10.0.0.1:53", "10.0.0.2:53"}, time.Second, nil)
	r.health["10.0.0.1:53"] = newUpstreamHealth(1, 1, time.Hour)
	require.Error(t, r.health["10.0.0.1:53"].attempt(func() error { return errors.New("down") }))
	require.False(t, r.health["10.0.0.1:53"].isHealthy())

	for i := 0; i < 5; i++ {
		server, err := r.selectServer()
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:53", server)
	}
}
