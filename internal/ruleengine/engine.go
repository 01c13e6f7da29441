// Package ruleengine implements the optional operator-authored pre-chain
// gate: expr-lang expressions evaluated before the handler chain runs, able
// to force a query straight to block or allow.
package ruleengine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sinkholed/sinkholed/internal/config"
)

// Action is the verdict a matched rule forces before the handler chain runs.
type Action string

const (
	// ActionBlock sends the query straight to a synthesized NXDOMAIN,
	// bypassing BlacklistHandler's trie.
	ActionBlock Action = "BLOCK"
	// ActionAllow sends the query straight to RecursiveHandler, bypassing
	// whitelist/blacklist trie lookups.
	ActionAllow Action = "ALLOW"
)

// Context is the evaluation environment exposed to rule expressions.
type Context struct {
	Domain    string
	ClientIP  string
	QueryType string
	Hour      int
	Minute    int
	Weekday   int
	Time      time.Time
}

type compiledRule struct {
	name    string
	action  Action
	program *vm.Program
}

// Engine holds the compiled, enabled rule set.
type Engine struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// New compiles every enabled rule in cfg. A rule that fails to compile or
// names an unrecognized action makes New return an error naming that rule.
func New(cfg *config.RuleEngine) (*Engine, error) {
	e := &Engine{}
	if cfg == nil || !cfg.Enabled {
		return e, nil
	}

	for _, r := range cfg.Rules {
		if !r.Enabled {
			continue
		}
		program, err := expr.Compile(r.Logic, expr.Env(Context{}))
		if err != nil {
			return nil, fmt.Errorf("ruleengine: compiling rule %q: %w", r.Name, err)
		}
		action := Action(strings.ToUpper(r.Action))
		if action != ActionBlock && action != ActionAllow {
			return nil, fmt.Errorf("ruleengine: rule %q has unrecognized action %q", r.Name, r.Action)
		}
		e.rules = append(e.rules, compiledRule{name: r.Name, action: action, program: program})
	}
	return e, nil
}

// Evaluate runs every compiled rule in order and returns the first match.
func (e *Engine) Evaluate(ctx Context) (Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		result, err := vm.Run(r.program, ctx)
		if err != nil {
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			return r.action, true
		}
	}
	return "", false
}

// Count returns the number of compiled rules.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}
