// Package server wires the query pipeline to a pair of UDP/TCP DNS
// listeners, applying rate limiting and metrics/logging around every
// request the way the teacher's wrappedHandler does.
package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/sinkholed/sinkholed/internal/obslog"
	"github.com/sinkholed/sinkholed/internal/obsmetrics"
	"github.com/sinkholed/sinkholed/internal/ratelimit"
	"github.com/sinkholed/sinkholed/internal/ruleengine"
	"github.com/sinkholed/sinkholed/internal/sinkhole/pipeline"
	"github.com/sinkholed/sinkholed/internal/sinkhole/policyhandler"
)

// Config holds the listener addresses and toggles passed to New.
type Config struct {
	ListenAddress string
	UDPEnabled    bool
	TCPEnabled    bool
}

// Server owns the UDP and TCP *dns.Server pair backing a single listen
// address, both dispatching into the same Pipeline.
type Server struct {
	cfg       Config
	pipeline  *pipeline.Pipeline
	limiter   *ratelimit.Manager
	metrics   *obsmetrics.Metrics
	logger    *obslog.Logger
	udpServer *dns.Server
	tcpServer *dns.Server
	ready     chan struct{}
	readyOnce sync.Once

	rules     *ruleengine.Engine
	recursive policyhandler.Handler

	mu      sync.RWMutex
	running bool
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithRuleEngine wires the pre-chain expr-lang gate. recursive is the
// terminal handler an ActionAllow verdict forwards to directly, bypassing
// the policy chain entirely.
func WithRuleEngine(engine *ruleengine.Engine, recursive policyhandler.Handler) Option {
	return func(s *Server) {
		s.rules = engine
		s.recursive = recursive
	}
}

// New builds a Server. limiter and metrics may be nil.
func New(cfg Config, p *pipeline.Pipeline, limiter *ratelimit.Manager, metrics *obsmetrics.Metrics, logger *obslog.Logger, opts ...Option) *Server {
	s := &Server{cfg: cfg, pipeline: p, limiter: limiter, metrics: metrics, logger: logger, ready: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready returns a channel that closes once every enabled listener has
// bound its socket. Tests and callers that need the ephemeral port a
// ":0" address resolved to should wait on this before reading it back.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Start launches the configured listeners and blocks until ctx is canceled
// or a listener fails. On cancellation it shuts the listeners down; on a
// listener failure it returns that error and leaves Shutdown to the caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server: already running")
	}
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 2)
	handler := dns.HandlerFunc(s.serveDNS)

	var pending sync.WaitGroup
	if s.cfg.UDPEnabled {
		pending.Add(1)
	}
	if s.cfg.TCPEnabled {
		pending.Add(1)
	}
	go func() {
		pending.Wait()
		s.signalReady()
	}()

	if s.cfg.UDPEnabled {
		s.udpServer = &dns.Server{Addr: s.cfg.ListenAddress, Net: "udp", Handler: handler, NotifyStartedFunc: pending.Done}
		go func() {
			if s.logger != nil {
				s.logger.Info("starting UDP listener", "address", s.cfg.ListenAddress)
			}
			if err := s.udpServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("udp listener: %w", err)
			}
		}()
	}

	if s.cfg.TCPEnabled {
		s.tcpServer = &dns.Server{Addr: s.cfg.ListenAddress, Net: "tcp", Handler: handler, NotifyStartedFunc: pending.Done}
		go func() {
			if s.logger != nil {
				s.logger.Info("starting TCP listener", "address", s.cfg.ListenAddress)
			}
			if err := s.tcpServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("tcp listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if s.logger != nil {
			s.logger.Error("listener failed", "error", err)
		}
		return err
	}
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	var errs []error
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("udp shutdown: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tcp shutdown: %w", err))
		}
	}
	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("server: shutdown errors: %v", errs)
	}
	return nil
}

// IsRunning reports whether Start has an active listener pair.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) serveDNS(w dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()
	ctx := context.Background()
	clientIP := clientIPOf(w)

	if s.limiter != nil && !s.limiter.Allow(clientIP) {
		refused := new(dns.Msg)
		refused.SetRcode(r, dns.RcodeRefused)
		s.write(w, refused)
		if s.logger != nil {
			s.logger.Debug("rate limited", "client", clientIP)
		}
		return
	}

	var resp *dns.Msg
	if action, matched := s.evaluateRules(r, clientIP); matched {
		resp = s.respondFromRule(ctx, r, action)
	} else {
		resp = s.pipeline.Resolve(ctx, r)
	}
	s.write(w, resp)

	if s.metrics != nil {
		s.metrics.QueriesTotal.Add(ctx, 1)
		s.metrics.QueryDuration.Record(ctx, time.Since(start).Seconds())
	}

	if s.logger != nil {
		s.logger.Debug("query resolved",
			"client", clientIP,
			"rcode", resp.Rcode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// evaluateRules runs the pre-chain rule gate, if one is configured, against
// the inbound question and client. It never matches when no question is
// present, mirroring Pipeline.Resolve's own malformed-request handling.
func (s *Server) evaluateRules(r *dns.Msg, clientIP string) (ruleengine.Action, bool) {
	if s.rules == nil || len(r.Question) != 1 {
		return "", false
	}
	q := r.Question[0]
	now := time.Now()
	return s.rules.Evaluate(ruleengine.Context{
		Domain:    strings.ToLower(q.Name),
		ClientIP:  clientIP,
		QueryType: dns.TypeToString[q.Qtype],
		Hour:      now.Hour(),
		Minute:    now.Minute(),
		Weekday:   int(now.Weekday()),
		Time:      now,
	})
}

// respondFromRule builds the wire response for a rule-forced verdict,
// never touching the policy chain. ActionBlock synthesizes a generic
// NXDOMAIN; ActionAllow forwards straight to the recursive handler.
func (s *Server) respondFromRule(ctx context.Context, r *dns.Msg, action ruleengine.Action) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(r)

	if action == ruleengine.ActionBlock || s.recursive == nil {
		resp.Rcode = dns.RcodeNameError
		return resp
	}

	question := r.Question[0]
	q := policyhandler.Query{QName: strings.ToLower(question.Name), QType: question.Qtype, QClass: question.Qclass}
	verdict := s.recursive.Handle(ctx, q)
	resp.Rcode = verdict.RCode
	resp.Answer = verdict.Answer
	resp.Ns = verdict.Authority
	resp.Extra = verdict.Additional
	resp.RecursionAvailable = verdict.RA
	resp.AuthenticatedData = verdict.AD
	return resp
}

func (s *Server) write(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil && s.logger != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func clientIPOf(w dns.ResponseWriter) string {
	addr := w.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
