package remotelog

import (
	"fmt"
	"strings"
)

// Format substitutes args into template. Each "{}" takes the next argument
// in order; "\{}" is a literal "{}" and "\\{}" is a literal backslash
// followed by a substitution. Placeholders left without an argument stay
// as written and surplus arguments are ignored.
func Format(template string, args []any) string {
	if len(args) == 0 || !strings.Contains(template, "{}") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template) + 16*len(args))

	next := 0
	i := 0
	for i < len(template) {
		j := strings.Index(template[i:], "{}")
		if j < 0 || next >= len(args) {
			b.WriteString(template[i:])
			break
		}
		j += i

		switch {
		case escapedTwice(template, j):
			b.WriteString(template[i : j-1])
			b.WriteString(render(args[next]))
			next++
		case escapedOnce(template, j):
			b.WriteString(template[i : j-1])
			b.WriteString("{}")
		default:
			b.WriteString(template[i:j])
			b.WriteString(render(args[next]))
			next++
		}
		i = j + 2
	}
	return b.String()
}

func escapedOnce(s string, at int) bool {
	return at >= 1 && s[at-1] == '\\'
}

func escapedTwice(s string, at int) bool {
	return at >= 2 && s[at-1] == '\\' && s[at-2] == '\\'
}

func render(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = render(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []byte:
		return fmt.Sprintf("%x", x)
	default:
		return fmt.Sprint(x)
	}
}
