// Package sinkerr defines the error kinds the resolution pipeline can
// produce. Every error here terminates in a verdict; none is meant to
// cross a handler boundary as a panic.
package sinkerr

import "errors"

var (
	// ErrRefInputRejected is returned when a trie mutator is given a
	// non-domain key (e.g. an empty string).
	ErrRefInputRejected = errors.New("sinkerr: rejected input for trie mutator")

	// ErrMalformedTemplate is returned when a blacklist zone's payload is
	// missing a record template required for response synthesis.
	ErrMalformedTemplate = errors.New("sinkerr: blacklist zone missing required record template")

	// ErrUpstreamTimeout is returned when an upstream call exceeds its deadline.
	ErrUpstreamTimeout = errors.New("sinkerr: upstream query timed out")

	// ErrUpstreamTransport is returned on a non-timeout network failure
	// talking to the upstream resolver.
	ErrUpstreamTransport = errors.New("sinkerr: upstream transport error")

	// ErrPipelineDeadlineExceeded is returned when the outer pipeline
	// deadline trips before a final response is built.
	ErrPipelineDeadlineExceeded = errors.New("sinkerr: pipeline deadline exceeded")

	// ErrAssertionFailure marks an internal invariant violation, such as
	// an IGNORE verdict attempting to reach the wire.
	ErrAssertionFailure = errors.New("sinkerr: internal assertion failure")
)
