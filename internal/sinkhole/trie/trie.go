// Package trie implements the case-folded, reversed-label domain trie used
// by every policy handler to match a QNAME against a set of configured
// zones. Insertion always subsumes the wildcard form of a key, and lookup
// is exact-path only; the longest-suffix wildcard search a handler needs is
// built on top via Candidates.
package trie

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sinkholed/sinkholed/internal/sinkhole/sinkerr"
)

// node is one label step in the reversed-label tree. The root node never
// carries a payload; terminal nodes mark a key that was actually inserted
// (as opposed to an intermediate label shared by a longer key).
type node struct {
	children map[string]*node
	payload  any
	terminal bool
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Trie is a set of domain keys with optional per-key payloads, safe for
// concurrent use. Reads take the shared lock; the rare mutation path
// (configuration load, CensorLearn clones) takes the exclusive lock.
type Trie struct {
	mu   sync.RWMutex
	root *node
	size int
}

// New returns an empty trie.
func New() *Trie {
	return &Trie{root: newNode()}
}

// split lowercases and reverses the dotted labels of name, dropping a
// trailing root dot if present. "www.Example.COM." -> ["com","example","www"].
func split(name string) []string {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if name == "" {
		return nil
	}
	parts := strings.Split(name, ".")
	reversed := make([]string, len(parts))
	for i, p := range parts {
		reversed[len(parts)-1-i] = p
	}
	return reversed
}

// canonical rejoins reversed, lowercased labels back into dotted form,
// root-first in the tree but written left-to-right as a normal name.
func canonical(labels []string) string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[len(labels)-1-i] = l
	}
	return strings.Join(out, ".")
}

// Add inserts name (and, per the wildcard subsumption invariant, "*."+name)
// with the given payload, which may be nil for presence-only keys such as
// whitelist entries. Add is idempotent: re-adding an existing key with a
// different payload replaces it.
//
// name must be a non-empty domain string; anything else is rejected rather
// than silently accepted, matching the reference implementation's refusal
// to take non-string keys.
func (t *Trie) Add(name string, payload any) ([]string, error) {
	labels := split(name)
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: empty domain name", sinkerr.ErrRefInputRejected)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	exact := t.insertLocked(labels, payload)
	wildcard := t.insertLocked(append(append([]string{}, labels...), "*"), payload)
	return []string{exact, wildcard}, nil
}

// insertLocked walks/creates the path for labels (already reversed,
// root-first) and marks the final node terminal with payload. Caller must
// hold the write lock.
func (t *Trie) insertLocked(labels []string, payload any) string {
	n := t.root
	for _, l := range labels {
		child, ok := n.children[l]
		if !ok {
			child = newNode()
			n.children[l] = child
		}
		n = child
	}
	if !n.terminal {
		t.size++
	}
	n.terminal = true
	n.payload = payload
	return canonical(labels)
}

// Lookup returns the canonical stored key if name is present as an exact,
// terminal path in the trie. It does not perform wildcard fallback; see
// Candidates for the caller-side wildcard search spec.md requires.
func (t *Trie) Lookup(name string) (string, bool) {
	labels := split(name)
	if len(labels) == 0 {
		return "", false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.walkLocked(labels)
	if n == nil || !n.terminal {
		return "", false
	}
	return canonical(labels), true
}

// LookupData returns the payload stored at name's exact path, if any.
func (t *Trie) LookupData(name string) (any, bool) {
	labels := split(name)
	if len(labels) == 0 {
		return nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.walkLocked(labels)
	if n == nil || !n.terminal {
		return nil, false
	}
	return n.payload, true
}

func (t *Trie) walkLocked(labels []string) *node {
	n := t.root
	for _, l := range labels {
		child, ok := n.children[l]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// CloneRecord copies src's payload onto dst (inserting dst and "*."+dst).
// If src has no payload, CloneRecord still inserts dst as a presence-only
// key (a no-op-flavored insert, matching the reference semantics). Returns
// the canonical keys inserted.
func (t *Trie) CloneRecord(src, dst string) ([]string, error) {
	payload, _ := t.LookupData(src)
	return t.Add(dst, payload)
}

// Candidates returns the longest-suffix wildcard search order for qname:
// the exact name first, then progressively broader wildcards toward (but
// never including) the bare root. For "a.b.c.tld" this yields
// ["a.b.c.tld", "*.a.b.c.tld", "*.b.c.tld", "*.c.tld", "*.tld"].
func Candidates(qname string) []string {
	labels := split(qname)
	if len(labels) == 0 {
		return nil
	}

	out := make([]string, 0, 2*len(labels)-1)
	out = append(out, canonical(labels))
	for i := len(labels); i >= 1; i-- {
		wc := append(append([]string{}, labels[:i]...), "*")
		out = append(out, canonical(wc))
	}
	return out
}

// MatchLongestSuffix runs Candidates(qname) against the trie and returns
// the first candidate that exists, along with its payload. This is the
// lookup every policy handler actually calls.
func (t *Trie) MatchLongestSuffix(qname string) (key string, payload any, ok bool) {
	for _, cand := range Candidates(qname) {
		if v, found := t.LookupData(cand); found {
			return cand, v, true
		}
	}
	return "", nil, false
}

// Size returns the number of terminal keys currently stored (exact and
// wildcard keys both count, matching how Add inserts both).
func (t *Trie) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Dump writes every terminal key and its JSON-encoded payload to w in the
// line-oriented "zone\tpayload_json" format, one per line. This is an
// operational-inspection aid only, not a compatibility surface.
func (t *Trie) Dump(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if err := dumpNode(bw, t.root, nil); err != nil {
		return err
	}
	return bw.Flush()
}

func dumpNode(w *bufio.Writer, n *node, labels []string) error {
	if n.terminal {
		payload, err := json.Marshal(n.payload)
		if err != nil {
			return fmt.Errorf("trie: dump: marshal payload for %q: %w", canonical(labels), err)
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", canonical(labels), payload); err != nil {
			return err
		}
	}
	for label, child := range n.children {
		if err := dumpNode(w, child, append(labels, label)); err != nil {
			return err
		}
	}
	return nil
}
