package prompt

import "regexp"

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Substitute replaces every {{key}} in text with vars[key]. Placeholders whose
// key is not in vars are left as written.
func Substitute(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// Placeholders lists the distinct keys referenced in text, in first-seen order.
func Placeholders(text string) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
