// Package pipeline orchestrates a single query end-to-end: handler chain,
// censor-and-learn, bounded reprocessing, and final wire-response assembly.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/sinkholed/sinkholed/internal/obslog"
	"github.com/sinkholed/sinkholed/internal/sinkhole/censor"
	"github.com/sinkholed/sinkholed/internal/sinkhole/policyhandler"
	"github.com/sinkholed/sinkholed/internal/sinkhole/sinkerr"
)

// QueryLogger receives a fire-and-forget notification after each resolved
// query. Implementations must not block the caller.
type QueryLogger interface {
	LogQuery(q policyhandler.Query, rcode int)
}

// Pipeline wires a handler chain and a censor-learn pass into the single
// entry point a listener calls per inbound question.
type Pipeline struct {
	Chain       *policyhandler.Chain
	Censor      *censor.Learner
	Logger      *obslog.Logger
	QueryLog    QueryLogger
	Deadline    time.Duration
}

// New builds a Pipeline. deadline bounds the entire resolve, including any
// reprocess pass; zero disables the bound.
func New(chain *policyhandler.Chain, learner *censor.Learner, logger *obslog.Logger, deadline time.Duration) *Pipeline {
	return &Pipeline{Chain: chain, Censor: learner, Logger: logger, Deadline: deadline}
}

// Resolve implements spec step 4.7: lowercase, chain, censor-learn, bounded
// reprocess, response construction. req must have exactly one question.
func (p *Pipeline) Resolve(ctx context.Context, req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)

	if len(req.Question) != 1 {
		resp.Rcode = dns.RcodeFormatError
		return resp
	}

	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	question := req.Question[0]
	q := policyhandler.Query{
		QName:  strings.ToLower(question.Name),
		QType:  question.Qtype,
		QClass: question.Qclass,
	}.Normalized()

	var verdict policyhandler.Verdict
	for attempt := 0; attempt < 2; attempt++ {
		verdict = p.Chain.Handle(ctx, q)

		if verdict.IsIgnore() {
			if p.Logger != nil {
				p.Logger.Error("pipeline: IGNORE reached the pipeline boundary",
					"qname", q.QName,
					"error", fmt.Errorf("%w: handler chain returned IGNORE to its caller", sinkerr.ErrAssertionFailure))
			}
			verdict = policyhandler.ErrorVerdict(dns.RcodeServerFailure)
			break
		}

		if p.Censor == nil {
			break
		}

		reprocess := p.Censor.Apply(&verdict)
		if !reprocess {
			break
		}
		if p.Logger != nil {
			p.Logger.Debug("pipeline: reprocessing after censor-learn", "qname", q.QName, "attempt", attempt)
		}
	}

	if ctx.Err() != nil {
		if p.Logger != nil {
			p.Logger.Error("pipeline: deadline exceeded before response assembly",
				"qname", q.QName,
				"error", fmt.Errorf("%w", sinkerr.ErrPipelineDeadlineExceeded))
		}
		verdict = policyhandler.ErrorVerdict(dns.RcodeServerFailure)
	}

	resp.Rcode = verdict.RCode
	resp.Answer = verdict.Answer
	resp.Ns = verdict.Authority
	resp.Extra = verdict.Additional
	resp.Authoritative = verdict.AA
	resp.RecursionAvailable = verdict.RA
	resp.AuthenticatedData = verdict.AD

	if p.QueryLog != nil {
		go p.QueryLog.LogQuery(q, resp.Rcode)
	}

	return resp
}
