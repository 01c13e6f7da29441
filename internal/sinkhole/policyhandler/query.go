// Package policyhandler implements the ordered chain of query-resolution
// handlers (whitelist, blacklist, recursive) described by the core
// specification, plus the private IGNORE verdict the chain uses to mean
// "not my jurisdiction, try the next handler."
package policyhandler

import "strings"

// Query is the normalized (qname, qtype, qclass) tuple every handler acts
// on. QName is always lowercased before a handler sees it.
type Query struct {
	QName  string
	QType  uint16
	QClass uint16
}

// Normalized returns q with QName folded to lowercase, matching step 1 of
// QueryPipeline.resolve.
func (q Query) Normalized() Query {
	q.QName = strings.ToLower(q.QName)
	return q
}
