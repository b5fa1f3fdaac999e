// Package allowlist evaluates file operations against a rule set. It is
// used in non-interactive mode to auto-resolve permission requests
// without a human in the loop.
package allowlist

import (
	"log"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sevir/escolta/pkg/models"
)

// Rule authorizes an operation on paths matching Pattern. Pattern is an
// exact path or a glob: `*` matches within one segment, `**` matches
// across separators, `?` matches a single character. An empty Operation
// authorizes any operation.
type Rule struct {
	Pattern   string               `json:"pattern" yaml:"pattern"`
	Operation models.FileOperation `json:"operation,omitempty" yaml:"operation,omitempty"`
}

// Policy is an ordered rule list. Order has no semantic weight; a path
// is allowed as soon as any rule matches it.
type Policy []Rule

// Evaluate reports whether the policy allows op on every given path.
// A request with no paths is never allowed.
func (p Policy) Evaluate(op models.FileOperation, paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, path := range paths {
		if !p.allows(op, path) {
			return false
		}
	}
	return true
}

func (p Policy) allows(op models.FileOperation, path string) bool {
	for _, rule := range p {
		if rule.Operation != "" && rule.Operation != op {
			continue
		}
		if matchPattern(rule.Pattern, path) {
			return true
		}
	}
	return false
}

// matchPattern matches a path against a rule pattern, trying exact
// equality before glob semantics. Invalid glob patterns never match.
func matchPattern(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	if pattern == path {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[{\\") {
		return false
	}
	ok, err := doublestar.Match(pattern, path)
	if err != nil {
		log.Printf("allowlist_event=bad_pattern pattern=%q err=%v", pattern, err)
		return false
	}
	return ok
}

// Validate checks every rule pattern and operation, returning the
// offending rules. Called once at config load so malformed rules are
// surfaced early instead of silently never matching.
func (p Policy) Validate() []Rule {
	var bad []Rule
	for _, rule := range p {
		if rule.Operation != "" && !models.ValidOperation(rule.Operation) {
			bad = append(bad, rule)
			continue
		}
		if !doublestar.ValidatePattern(rule.Pattern) {
			bad = append(bad, rule)
		}
	}
	return bad
}
