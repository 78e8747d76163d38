package expr

import "strings"

// transformArrows rewrites JS arrow-lambda syntax ("x => expr" or
// "(a, b) => expr") into an ES5 function expression ("function(x){ return
// (expr) }"), since otto implements ECMAScript 5 and has no arrow-function
// grammar. Spec §4.A permits lambdas only as arguments to whitelisted
// higher-order methods, so every arrow body in a well-formed expression
// extends to the matching close of its enclosing call argument list — this
// walks the string once, tracking bracket depth, rather than attempting a
// full expression grammar.
func transformArrows(expression string) string {
	var out strings.Builder
	i := 0
	n := len(expression)
	for i < n {
		if i+1 < n && expression[i] == '=' && expression[i+1] == '>' {
			params, consumedParamsFrom := extractArrowParams(out.String())
			bodyStart := i + 2
			bodyEnd, bodyDepthClosedByParen := scanArrowBody(expression, bodyStart)

			prefix := out.String()[:consumedParamsFrom]
			body := expression[bodyStart:bodyEnd]

			out.Reset()
			out.WriteString(prefix)
			out.WriteString("function(")
			out.WriteString(params)
			out.WriteString("){ return (")
			out.WriteString(body)
			out.WriteString(") }")

			i = bodyEnd
			if bodyDepthClosedByParen {
				// leave the closing delimiter for the outer scan to consume
			}
			continue
		}
		out.WriteByte(expression[i])
		i++
	}
	return out.String()
}

// extractArrowParams looks backward from the end of `written` (everything
// emitted so far) for either a bare identifier or a parenthesised,
// comma-separated identifier list immediately preceding "=>", returning the
// parameter list text and the byte offset in `written` where it starts.
func extractArrowParams(written string) (params string, startOffset int) {
	s := strings.TrimRight(written, " \t\n")
	if s == "" {
		return "", len(written)
	}
	if s[len(s)-1] == ')' {
		depth := 0
		for i := len(s) - 1; i >= 0; i-- {
			switch s[i] {
			case ')':
				depth++
			case '(':
				depth--
				if depth == 0 {
					return strings.TrimSpace(s[i+1 : len(s)-1]), i
				}
			}
		}
		return strings.TrimSpace(s), 0
	}
	// bare identifier: walk back over identifier characters.
	end := len(s)
	start := end
	for start > 0 && isIdentByte(s[start-1]) {
		start--
	}
	return s[start:end], start
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// scanArrowBody finds where an arrow body ends: the first top-level comma
// (another call argument follows) or the point where bracket depth would go
// negative (the enclosing call/array/object closes). Returns the exclusive
// end index.
func scanArrowBody(expression string, start int) (end int, closedByParen bool) {
	depth := 0
	for i := start; i < len(expression); i++ {
		switch expression[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth == 0 {
				return i, true
			}
			depth--
		case ',':
			if depth == 0 {
				return i, false
			}
		}
	}
	return len(expression), false
}
