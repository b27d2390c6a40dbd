package topology

import (
	"fmt"
	"strings"
)

// =============================================================================
// Interpolation
// =============================================================================

// interpolator substitutes ${...} tokens against an EnvironmentSource.
// Variable values may contain further tokens; each variable is expanded at
// most once and the result is cached for the rest of the resolution.
type interpolator struct {
	env   EnvironmentSource
	cache map[string]string
	stack []string
}

func newInterpolator(env EnvironmentSource) *interpolator {
	return &interpolator{
		env:   env,
		cache: make(map[string]string),
	}
}

// expand substitutes every token in s. field names the configuration
// location for error messages.
func (in *interpolator) expand(s, field string) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		if c != '$' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(s) {
			b.WriteByte('$')
			i++
			continue
		}

		next := s[i+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			i += 2

		case next == '{':
			end := matchingBrace(s, i+2)
			if end < 0 {
				return "", InvalidDefinition("", field, fmt.Sprintf("unterminated variable reference in %q", s))
			}
			val, err := in.braced(s[i+2:end], field)
			if err != nil {
				return "", err
			}
			b.WriteString(val)
			i = end + 1

		case isNameStart(next):
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			name := s[i+1 : j]
			val, ok, err := in.variable(name, field)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", MissingVariable(name, field, "")
			}
			b.WriteString(val)
			i = j

		default:
			b.WriteByte('$')
			i++
		}
	}

	return b.String(), nil
}

// braced evaluates the body of a ${...} token.
func (in *interpolator) braced(body, field string) (string, error) {
	n := 0
	for n < len(body) && isNameChar(body[n]) {
		n++
	}
	name, rest := body[:n], body[n:]
	if name == "" || !isNameStart(name[0]) {
		return "", InvalidDefinition("", field, fmt.Sprintf("invalid variable reference ${%s}", body))
	}

	val, set, err := in.variable(name, field)
	if err != nil {
		return "", err
	}
	nonEmpty := set && val != ""

	op, arg := splitOperator(rest)
	switch op {
	case "":
		if rest != "" {
			return "", InvalidDefinition("", field, fmt.Sprintf("invalid variable reference ${%s}", body))
		}
		if !set {
			return "", MissingVariable(name, field, "")
		}
		return val, nil
	case ":-":
		if nonEmpty {
			return val, nil
		}
		return in.expand(arg, field)
	case "-":
		if set {
			return val, nil
		}
		return in.expand(arg, field)
	case ":?":
		if nonEmpty {
			return val, nil
		}
		return "", in.required(name, arg, field)
	case "?":
		if set {
			return val, nil
		}
		return "", in.required(name, arg, field)
	case ":+":
		if nonEmpty {
			return in.expand(arg, field)
		}
		return "", nil
	case "+":
		if set {
			return in.expand(arg, field)
		}
		return "", nil
	}
	return "", InvalidDefinition("", field, fmt.Sprintf("invalid variable reference ${%s}", body))
}

func (in *interpolator) required(name, message, field string) error {
	msg, err := in.expand(message, field)
	if err != nil {
		msg = message
	}
	return MissingVariable(name, field, msg)
}

// variable returns the fully expanded value of name and whether it is set.
func (in *interpolator) variable(name, field string) (string, bool, error) {
	if val, ok := in.cache[name]; ok {
		return val, true, nil
	}

	for i, active := range in.stack {
		if active == name {
			cycle := append(append([]string{}, in.stack[i:]...), name)
			return "", false, CyclicInterpolation(cycle, field)
		}
	}

	raw, ok := in.env.Lookup(name)
	if !ok {
		return "", false, nil
	}

	in.stack = append(in.stack, name)
	val, err := in.expand(raw, field)
	in.stack = in.stack[:len(in.stack)-1]
	if err != nil {
		return "", false, err
	}

	in.cache[name] = val
	return val, true, nil
}

// matchingBrace returns the index of the '}' closing a token whose body
// starts at from, honouring nested ${...} in defaults.
func matchingBrace(s string, from int) int {
	depth := 1
	for i := from; i < len(s); i++ {
		switch {
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '$':
			i++
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '{':
			depth++
			i++
		case s[i] == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func splitOperator(rest string) (op, arg string) {
	for _, candidate := range []string{":-", ":?", ":+", "-", "?", "+"} {
		if strings.HasPrefix(rest, candidate) {
			return candidate, rest[len(candidate):]
		}
	}
	return "", rest
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
