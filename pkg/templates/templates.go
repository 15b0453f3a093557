package templates

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

var placeholderPattern = regexp.MustCompile(`\{\{([A-Z][A-Z0-9_]*)\}\}`)

// Render substitutes {{PLACEHOLDER}} variables in tmpl.
// Unknown placeholders are an error so a typo never ships a literal
// "{{NAME}}" into an image reference.
//
// Example:
//
//	ref, err := Render("{{REGISTRY}}/{{NAME}}:c{{CYCLE}}", TemplateData{
//	    "REGISTRY": "us-docker.pkg.dev/acme/models",
//	    "NAME":     "churn",
//	    "CYCLE":    "3",
//	})
func Render(tmpl string, data TemplateData) (string, error) {
	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[2 : len(m)-2]
		value, ok := data[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return value
	})

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("unresolved template placeholders: %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}

// Placeholders lists the distinct variables referenced by tmpl.
func Placeholders(tmpl string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
