// Package sqllab runs user-submitted SQL: classification, CTAS and
// row-limit rewriting, synchronous and asynchronous execution, progress
// polling, and result persistence.
package sqllab

import (
	"fmt"
	"strings"
)

// stripLeadingComments removes line and block comments plus whitespace from
// the front of a statement so classification sees the first real token.
func stripLeadingComments(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		return s
	}
}

// firstToken returns the first keyword of the statement, case-folded, with
// leading comments skipped.
func firstToken(s string) string {
	s = stripLeadingComments(s)
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == '(' || r == ';' {
			return strings.ToUpper(s[:i])
		}
	}
	return strings.ToUpper(s)
}

// IsSelect reports whether the statement's first token is SELECT, looking
// past leading comments.
func IsSelect(s string) bool {
	return firstToken(s) == "SELECT"
}

// splitStatements splits on semicolons outside of quotes and comments and
// drops empty fragments.
func splitStatements(s string) []string {
	var out []string
	var cur strings.Builder
	inSingle, inDouble, inLine, inBlock := false, false, false, false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case inLine:
			if r == '\n' {
				inLine = false
			}
		case inBlock:
			if r == '*' && next == '/' {
				inBlock = false
				cur.WriteRune(r)
				cur.WriteRune(next)
				i++
				continue
			}
		case inSingle:
			if r == '\'' {
				inSingle = false
			}
		case inDouble:
			if r == '"' {
				inDouble = false
			}
		case r == '\'':
			inSingle = true
		case r == '"':
			inDouble = true
		case r == '-' && next == '-':
			inLine = true
		case r == '/' && next == '*':
			inBlock = true
		case r == ';':
			if stmt := strings.TrimSpace(cur.String()); stmt != "" {
				out = append(out, stmt)
			}
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if stmt := strings.TrimSpace(cur.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

// IsMultiStatement reports whether the submission carries more than one
// statement.
func IsMultiStatement(s string) bool {
	return len(splitStatements(s)) > 1
}

// WrapSQLLimit wraps a SELECT so the engine caps the rows it returns.
func WrapSQLLimit(s string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS inner_qry LIMIT %d", strings.TrimRight(strings.TrimSpace(s), ";"), limit)
}

// CreateTableAs rewrites a SELECT into a CTAS statement targeting name.
func CreateTableAs(s, name string) string {
	return fmt.Sprintf("CREATE TABLE %s AS %s", name, strings.TrimRight(strings.TrimSpace(s), ";"))
}
