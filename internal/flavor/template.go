package flavor

import (
	"fmt"
	"strings"
)

// Prompt templates use "{}" for positional slots and "{name}" for named
// slots. Literal braces are escaped as "{{" and "}}". Slot counts are
// validated at configuration load so a wrong-placeholder-count prompt is
// rejected long before execution time.

// CountSlots returns the number of positional "{}" slots in s.
func CountSlots(s string) int {
	n := 0
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "{{"), strings.HasPrefix(s[i:], "}}"):
			i += 2
		case strings.HasPrefix(s[i:], "{}"):
			n++
			i += 2
		default:
			i++
		}
	}
	return n
}

// FillSlots substitutes args into the positional slots of s in order. The
// argument count must match the slot count exactly.
func FillSlots(s string, args ...string) (string, error) {
	var b strings.Builder
	next := 0
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(s[i:], "}}"):
			b.WriteByte('}')
			i += 2
		case strings.HasPrefix(s[i:], "{}"):
			if next >= len(args) {
				return "", fmt.Errorf("template has more than %d positional slots", len(args))
			}
			b.WriteString(args[next])
			next++
			i += 2
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	if next != len(args) {
		return "", fmt.Errorf("template has %d positional slots, %d arguments given", next, len(args))
	}
	return b.String(), nil
}

// NamedSlots returns the distinct named slots of s in first-appearance order.
func NamedSlots(s string) []string {
	var names []string
	seen := make(map[string]bool)
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "{{"), strings.HasPrefix(s[i:], "}}"):
			i += 2
		case s[i] == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				i++
				continue
			}
			name := s[i+1 : i+end]
			if isSlotName(name) && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			i += end + 1
		default:
			i++
		}
	}
	return names
}

// FillNamed substitutes vars into the named slots of s. Every named slot in
// the template must have a value; unused vars are an error too, so template
// and call site cannot drift apart silently.
func FillNamed(s string, vars map[string]string) (string, error) {
	used := make(map[string]bool)
	var b strings.Builder
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(s[i:], "}}"):
			b.WriteByte('}')
			i += 2
		case s[i] == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				b.WriteByte(s[i])
				i++
				continue
			}
			name := s[i+1 : i+end]
			if !isSlotName(name) {
				b.WriteString(s[i : i+end+1])
				i += end + 1
				continue
			}
			val, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("template slot {%s} has no value", name)
			}
			b.WriteString(val)
			used[name] = true
			i += end + 1
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	for name := range vars {
		if !used[name] {
			return "", fmt.Errorf("template has no slot {%s}", name)
		}
	}
	return b.String(), nil
}

func isSlotName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}
