package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// Injection heuristics. These are a cheap gate against obviously hostile
// operation text, not a SQL parser; parameterized placeholders pass through.
var (
	// A semicolon followed by another statement (stacked statements).
	stackedStatements = regexp.MustCompile(`;\s*\S`)

	// Equal literal on both sides of a comparison (always-true predicate).
	alwaysTrue = regexp.MustCompile(`(?i)(?:where|or|and)\s+'?(\w+)'?\s*=\s*'?(\w+)'?\s*(?:--|;|$)`)

	unionSelect = regexp.MustCompile(`(?i)union\s+(?:all\s+)?select`)
)

// checkOperation validates operation text before it is allowed near a store.
func checkOperation(operation string) error {
	trimmed := strings.TrimSpace(operation)
	if trimmed == "" {
		return fmt.Errorf("empty operation: nothing to execute")
	}

	// Trailing single statement terminator is fine; anything after it is not.
	if stackedStatements.MatchString(trimmed) {
		return fmt.Errorf("injection heuristic: stacked statements in operation")
	}
	if unionSelect.MatchString(trimmed) {
		return fmt.Errorf("injection heuristic: UNION SELECT in operation")
	}
	if strings.Contains(trimmed, "--") || strings.Contains(trimmed, "/*") {
		return fmt.Errorf("injection heuristic: comment marker in operation")
	}
	if m := alwaysTrue.FindStringSubmatch(trimmed); m != nil && m[1] == m[2] {
		return fmt.Errorf("injection heuristic: always-true predicate %q", m[0])
	}

	return nil
}
