package scenario

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	slotPattern       = regexp.MustCompile(`\{\{([^{}]+)\}\}`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// FormatSlots replaces every {{path}} placeholder whose path resolves in slots.
// Paths are "/" or "." separated and may index lists. Unresolved placeholders
// are kept verbatim.
func FormatSlots(text string, slots map[string]interface{}) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	return FormatTemplate(whitespacePattern.ReplaceAllString(text, " "), slots)
}

// FormatTemplate fills placeholders like FormatSlots but keeps the text's
// whitespace, for multi-line prompts.
func FormatTemplate(text string, slots map[string]interface{}) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return slotPattern.ReplaceAllStringFunc(text, func(match string) string {
		path := slotPattern.FindStringSubmatch(match)[1]
		v, ok := LookupSlot(slots, strings.TrimSpace(path))
		if !ok {
			return match
		}
		return stringify(v)
	})
}

// LookupSlot walks path through nested maps and lists.
func LookupSlot(slots map[string]interface{}, path string) (interface{}, bool) {
	if slots == nil || path == "" {
		return nil, false
	}
	if v, ok := slots[path]; ok && v != nil {
		return v, true
	}
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '.' })
	var cur interface{} = slots
	for _, p := range parts {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[p]
			if !ok || next == nil {
				return nil, false
			}
			cur = next
		case []interface{}:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
