package partition

import (
	"fmt"
	"strings"
)

// TemplateError reports a malformed or unresolved parameter reference.
type TemplateError struct {
	Template string
	Offset   int
	Message  string
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q at offset %d: %s", e.Template, e.Offset, e.Message)
}

// Substitute replaces $name and ${name} references in tmpl with values from
// params. "$$" yields a literal dollar sign. An unknown parameter or a
// malformed reference is an error.
func Substitute(tmpl string, params map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(tmpl) {
			return "", &TemplateError{Template: tmpl, Offset: i, Message: "dangling $"}
		}

		var name string
		start := i
		switch next := tmpl[i+1]; {
		case next == '$':
			b.WriteByte('$')
			i++
			continue
		case next == '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				return "", &TemplateError{Template: tmpl, Offset: start, Message: "unterminated ${"}
			}
			name = tmpl[i+2 : i+2+end]
			if !validIdentifier(name) {
				return "", &TemplateError{Template: tmpl, Offset: start, Message: fmt.Sprintf("invalid parameter name %q", name)}
			}
			i += 2 + end
		case isIdentStart(next):
			j := i + 1
			for j < len(tmpl) && isIdentPart(tmpl[j]) {
				j++
			}
			name = tmpl[i+1 : j]
			i = j - 1
		default:
			return "", &TemplateError{Template: tmpl, Offset: start, Message: fmt.Sprintf("invalid character %q after $", next)}
		}

		value, ok := params[name]
		if !ok {
			return "", &TemplateError{Template: tmpl, Offset: start, Message: fmt.Sprintf("unknown parameter %q", name)}
		}
		b.WriteString(value)
	}
	return b.String(), nil
}

func validIdentifier(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}
	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
