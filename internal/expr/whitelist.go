package expr

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidateWhitelist rejects the raw expression text for constructs spec
// §4.A forbids: assignment, statements, new, eval, and the bare `function`
// keyword (lambdas are only permitted via arrow syntax as higher-order
// method arguments, handled separately by transformArrows). This is a
// conservative textual pre-pass rather than a full AST walk — otto's own
// parser then rejects anything structurally invalid that slips past it,
// and EvaluateExpression wraps the whole thing in a single parenthesised
// expression, so no sequence of statements can smuggle itself through.
func ValidateWhitelist(expression string) error {
	if strings.Contains(expression, ";") {
		return fmt.Errorf("statement separators are not permitted")
	}
	if reNewKeyword.MatchString(expression) {
		return fmt.Errorf("'new' is not permitted")
	}
	if reEvalCall.MatchString(expression) {
		return fmt.Errorf("'eval' is not permitted")
	}
	if reFunctionKeyword.MatchString(expression) {
		return fmt.Errorf("'function' is not permitted; use arrow-lambda syntax as a higher-order method argument")
	}
	if reDunderProto.MatchString(expression) {
		return fmt.Errorf("prototype access is not permitted")
	}
	if reAssignment.MatchString(stripArrowBodies(stripQuotedSpans(expression))) {
		return fmt.Errorf("assignment is not permitted")
	}
	return nil
}

var (
	reNewKeyword      = regexp.MustCompile(`\bnew\s+\w`)
	reEvalCall        = regexp.MustCompile(`\beval\s*\(`)
	reFunctionKeyword = regexp.MustCompile(`\bfunction\b`)
	reDunderProto     = regexp.MustCompile(`__proto__|\bconstructor\s*\(|\bprototype\b`)
	// Single '=' not part of ==, ===, !=, !==, <=, >=, =>.
	reAssignment = regexp.MustCompile(`[^=!<>]=[^=>]`)
)

// stripArrowBodies removes "=>" tokens before the assignment check runs, so
// an arrow lambda itself (e.g. "x => x") is never mistaken for assignment.
func stripArrowBodies(expression string) string {
	return strings.ReplaceAll(expression, "=>", "  ")
}

// stripQuotedSpans blanks out the contents of '...' and "..." string
// literals (honoring backslash escapes) before the assignment check runs,
// so a '=' inside a literal -- e.g. comparing against "a=b" -- is never
// mistaken for an assignment operator.
func stripQuotedSpans(expression string) string {
	out := []byte(expression)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote == 0 {
			if c == '\'' || c == '"' {
				quote = c
			}
			continue
		}
		if c == '\\' && i+1 < len(out) {
			out[i] = ' '
			i++
			out[i] = ' '
			continue
		}
		if c == quote {
			quote = 0
			continue
		}
		out[i] = ' '
	}
	return string(out)
}
