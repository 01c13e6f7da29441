package policyhandler

import "context"

// Handler is the uniform policy-handler contract: a function from Query to
// Verdict. Implementations differ only in the state they close over (a
// trie, an upstream client, or both). Handlers must be safe for concurrent
// invocation.
type Handler interface {
	Handle(ctx context.Context, q Query) Verdict
}

// Upstream is the external recursive-resolver collaborator spec.md §6
// names: send(qname, qtype, qclass, deadline) -> response|error, where a
// true recursive resolver chases CNAMEs and returns a final ANSWER with
// glue.
type Upstream interface {
	Send(ctx context.Context, q Query) (Verdict, error)
}
