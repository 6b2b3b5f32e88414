// Package signature evaluates declarative, expression-based rules against
// the latest packet record and the trailing window.
package signature

import (
	"log"
	"sync"

	"github.com/atailh4n/sentryd/internal/capture"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule is one declarative signature: a boolean expr-lang expression
// evaluated against the ruleEnv built for each record.
type Rule struct {
	ID          string
	Name        string
	Expression  string
	Severity    string
	Description string
}

// Hit is a matched rule, ready for alert persistence.
type Hit struct {
	Name        string
	Severity    string
	Description string
}

type compiledRule struct {
	rule    Rule
	program *vm.Program
}

// ruleEnv is the structure exposed to rule expressions.
type ruleEnv struct {
	Record                capture.PacketRecord
	UniqueDportsFromSrc   int
	PacketsFromSrc        int
	EphemeralCountFromSrc int
	WindowLen             int
}

// Engine evaluates compiled rules against a record and window snapshot.
// A disabled engine always returns no hits without running any rule; Compile
// still compiles the ruleset so it is ready if the engine is enabled later.
type Engine struct {
	mu      sync.RWMutex
	enabled bool
	rules   []compiledRule
}

// NewEngine constructs an Engine honoring the given enable flag.
func NewEngine(enabled bool) *Engine {
	return &Engine{enabled: enabled}
}

// SetEnabled toggles rule evaluation at runtime.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// Compile replaces the active ruleset. A rule that fails to compile is
// logged and skipped; it does not abort loading the remaining rules.
func (e *Engine) Compile(rules []Rule) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		program, err := expr.Compile(r.Expression, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			log.Printf("signature: failed to compile rule %s: %v", r.ID, err)
			continue
		}
		compiled = append(compiled, compiledRule{rule: r, program: program})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = compiled
}

// Evaluate runs every compiled rule against record and the trailing window,
// returning zero or more hits. Returns the empty slice without doing any
// work when the engine is disabled.
func (e *Engine) Evaluate(record capture.PacketRecord, window []capture.PacketRecord) []Hit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.enabled || len(e.rules) == 0 {
		return nil
	}

	env := buildEnv(record, window)

	var hits []Hit
	for _, cr := range e.rules {
		out, err := expr.Run(cr.program, env)
		if err != nil {
			log.Printf("signature: rule %s runtime error: %v", cr.rule.ID, err)
			continue
		}
		matched, _ := out.(bool)
		if matched {
			hits = append(hits, Hit{
				Name:        cr.rule.Name,
				Severity:    cr.rule.Severity,
				Description: cr.rule.Description,
			})
		}
	}
	return hits
}

func buildEnv(record capture.PacketRecord, window []capture.PacketRecord) ruleEnv {
	var uniqueDports, packetsFromSrc, ephemeralCount int
	seenPorts := make(map[uint16]struct{})
	for _, rec := range window {
		if rec.SrcIP != record.SrcIP {
			continue
		}
		packetsFromSrc++
		if _, ok := seenPorts[rec.Dport]; !ok {
			seenPorts[rec.Dport] = struct{}{}
			uniqueDports++
		}
		if rec.Sport >= 49152 {
			ephemeralCount++
		}
	}

	return ruleEnv{
		Record:                record,
		UniqueDportsFromSrc:   uniqueDports,
		PacketsFromSrc:        packetsFromSrc,
		EphemeralCountFromSrc: ephemeralCount,
		WindowLen:             len(window),
	}
}

// DefaultRules returns the built-in seed signatures: a port-scan-like rule
// (many distinct destination ports from one source within the window) and
// an ephemeral-flood-like rule (a burst of ephemeral-source-port traffic
// from one source).
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "port-scan-like",
			Name:        "possible port scan",
			Expression:  "UniqueDportsFromSrc > 15",
			Severity:    "medium",
			Description: "source probed more than 15 distinct destination ports within the current window",
		},
		{
			ID:          "ephemeral-flood-like",
			Name:        "ephemeral source port flood",
			Expression:  "EphemeralCountFromSrc > 30 && WindowLen > 0",
			Severity:    "low",
			Description: "source generated a burst of traffic from ephemeral ports within the current window",
		},
	}
}
