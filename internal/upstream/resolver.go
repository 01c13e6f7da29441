// Package upstream implements the recursive resolver collaborator: round
// robin selection across configured servers, per-upstream health tracking
// that fails fast away from a server in trouble, and UDP-with-TCP-fallback
// transport over miekg/dns.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/sinkholed/sinkholed/internal/obslog"
	"github.com/sinkholed/sinkholed/internal/sinkhole/policyhandler"
	"github.com/sinkholed/sinkholed/internal/sinkhole/sinkerr"
)

const defaultFailureThreshold = 5
const defaultSuccessThreshold = 2
const defaultHealthRecoveryWindow = 30 * time.Second
const defaultProbeLimit = 3

// ErrUpstreamDown is returned when a query was routed at an upstream whose
// health tracker is currently failing requests fast.
var ErrUpstreamDown = errors.New("upstream: server marked down, failing fast")

// ErrNoHealthyUpstreams is returned when every configured upstream is down.
var ErrNoHealthyUpstreams = errors.New("upstream: no healthy upstream servers available")

// healthState is one upstream server's observed availability.
type healthState int32

const (
	// healthAvailable routes queries to the server normally.
	healthAvailable healthState = iota
	// healthDown fails queries fast without touching the network, until
	// defaultHealthRecoveryWindow has elapsed since the last failure.
	healthDown
	// healthProbing allows a small number of queries through to decide
	// whether the server has recovered.
	healthProbing
)

func (s healthState) String() string {
	switch s {
	case healthAvailable:
		return "available"
	case healthDown:
		return "down"
	case healthProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// upstreamHealth tracks consecutive failure/success counts for one upstream
// address and stops sending it traffic once it crosses a failure threshold,
// periodically probing to find out when it has recovered.
type upstreamHealth struct {
	state           atomic.Int32
	consecutiveFail atomic.Int64
	consecutiveOK   atomic.Int64
	downSince       atomic.Int64
	inFlightProbes  atomic.Int32

	failureThreshold int
	successThreshold int
	recoveryWindow   time.Duration
	probeLimit       int32
}

func newUpstreamHealth(failureThreshold, successThreshold int, recoveryWindow time.Duration) *upstreamHealth {
	h := &upstreamHealth{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryWindow:   recoveryWindow,
		probeLimit:       defaultProbeLimit,
	}
	h.state.Store(int32(healthAvailable))
	h.downSince.Store(time.Now().UnixNano())
	return h
}

// attempt runs query unless h is currently down and not yet due for a
// recovery probe, recording the outcome against h's state machine.
func (h *upstreamHealth) attempt(query func() error) error {
	switch healthState(h.state.Load()) {
	case healthDown:
		if time.Since(time.Unix(0, h.downSince.Load())) > h.recoveryWindow {
			if h.state.CompareAndSwap(int32(healthDown), int32(healthProbing)) {
				h.downSince.Store(time.Now().UnixNano())
				h.consecutiveOK.Store(0)
				h.consecutiveFail.Store(0)
				h.inFlightProbes.Store(0)
			}
		} else {
			return ErrUpstreamDown
		}

	case healthProbing:
		inFlight := h.inFlightProbes.Add(1)
		defer h.inFlightProbes.Add(-1)
		if inFlight > h.probeLimit {
			return ErrUpstreamDown
		}
	}

	err := query()
	if err != nil {
		h.recordFailure()
	} else {
		h.recordSuccess()
	}
	return err
}

func (h *upstreamHealth) recordFailure() {
	fails := h.consecutiveFail.Add(1)

	switch healthState(h.state.Load()) {
	case healthAvailable:
		if fails >= int64(h.failureThreshold) {
			if h.state.CompareAndSwap(int32(healthAvailable), int32(healthDown)) {
				h.downSince.Store(time.Now().UnixNano())
			}
		}

	case healthProbing:
		if h.state.CompareAndSwap(int32(healthProbing), int32(healthDown)) {
			h.downSince.Store(time.Now().UnixNano())
			h.consecutiveFail.Store(0)
			h.consecutiveOK.Store(0)
		}
	}
}

func (h *upstreamHealth) recordSuccess() {
	oks := h.consecutiveOK.Add(1)
	h.consecutiveFail.Store(0)

	if healthState(h.state.Load()) == healthProbing && oks >= int64(h.successThreshold) {
		if h.state.CompareAndSwap(int32(healthProbing), int32(healthAvailable)) {
			h.downSince.Store(time.Now().UnixNano())
		}
	}
}

func (h *upstreamHealth) isHealthy() bool {
	return healthState(h.state.Load()) != healthDown
}

// Resolver implements policyhandler.Upstream over a pool of real recursive
// resolvers.
type Resolver struct {
	servers  []string
	timeout  time.Duration
	logger   *obslog.Logger
	index    atomic.Uint32
	health   map[string]*upstreamHealth
	healthMu sync.RWMutex
	udpPool  sync.Pool
}

// New builds a Resolver over servers (host:port), each given its own health
// tracker. Addresses missing a port get ":53" appended.
func New(servers []string, timeout time.Duration, logger *obslog.Logger) *Resolver {
	normalized := make([]string, len(servers))
	for i, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			normalized[i] = net.JoinHostPort(s, "53")
		} else {
			normalized[i] = s
		}
	}

	r := &Resolver{servers: normalized, timeout: timeout, logger: logger, health: make(map[string]*upstreamHealth)}
	for _, s := range normalized {
		r.health[s] = newUpstreamHealth(defaultFailureThreshold, defaultSuccessThreshold, defaultHealthRecoveryWindow)
	}
	r.udpPool.New = func() any {
		return &dns.Client{Net: "udp", Timeout: r.timeout}
	}
	return r
}

// Send implements policyhandler.Upstream.
func (r *Resolver) Send(ctx context.Context, q policyhandler.Query) (policyhandler.Verdict, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(q.QName), q.QType)
	req.Question[0].Qclass = q.QClass
	req.RecursionDesired = true

	resp, err := r.exchange(ctx, req)
	if err != nil {
		return policyhandler.Verdict{}, err
	}

	if resp.Truncated {
		resp, err = r.exchangeTCP(ctx, req)
		if err != nil {
			return policyhandler.Verdict{}, err
		}
	}

	return policyhandler.Verdict{
		RCode:      resp.Rcode,
		Answer:     resp.Answer,
		Authority:  resp.Ns,
		Additional: resp.Extra,
		RA:         resp.RecursionAvailable,
		AD:         resp.AuthenticatedData,
	}, nil
}

func (r *Resolver) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	attempts := len(r.servers)
	if attempts == 0 {
		return nil, fmt.Errorf("%w: no upstream servers configured", sinkerr.ErrUpstreamTransport)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		server, err := r.selectServer()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", sinkerr.ErrUpstreamTransport, err)
		}

		client := r.udpPool.Get().(*dns.Client)
		var resp *dns.Msg
		queryErr := r.healthFor(server).attempt(func() error {
			var exchangeErr error
			resp, _, exchangeErr = client.ExchangeContext(ctx, req, server)
			return exchangeErr
		})
		r.udpPool.Put(client)

		if queryErr != nil {
			if r.logger != nil {
				r.logger.Warn("upstream: query failed", "server", server, "error", queryErr)
			}
			lastErr = queryErr
			continue
		}
		return resp, nil
	}

	if lastErr != nil {
		var netErr net.Error
		if errors.Is(lastErr, context.DeadlineExceeded) || (errors.As(lastErr, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %v", sinkerr.ErrUpstreamTimeout, lastErr)
		}
		return nil, fmt.Errorf("%w: %v", sinkerr.ErrUpstreamTransport, lastErr)
	}
	return nil, fmt.Errorf("%w: all upstream servers failed", sinkerr.ErrUpstreamTransport)
}

func (r *Resolver) exchangeTCP(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	server, err := r.selectServer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sinkerr.ErrUpstreamTransport, err)
	}
	client := &dns.Client{Net: "tcp", Timeout: r.timeout}
	resp, _, err := client.ExchangeContext(ctx, req, server)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %v", sinkerr.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", sinkerr.ErrUpstreamTransport, err)
	}
	return resp, nil
}

func (r *Resolver) selectServer() (string, error) {
	healthy := make([]string, 0, len(r.servers))
	for _, s := range r.servers {
		if r.healthFor(s).isHealthy() {
			healthy = append(healthy, s)
		}
	}
	if len(healthy) == 0 {
		return "", ErrNoHealthyUpstreams
	}
	idx := r.index.Add(1) % uint32(len(healthy))
	return healthy[idx], nil
}

func (r *Resolver) healthFor(server string) *upstreamHealth {
	r.healthMu.RLock()
	h, ok := r.health[server]
	r.healthMu.RUnlock()
	if ok {
		return h
	}
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	if h, ok := r.health[server]; ok {
		return h
	}
	h = newUpstreamHealth(defaultFailureThreshold, defaultSuccessThreshold, defaultHealthRecoveryWindow)
	r.health[server] = h
	return h
}
