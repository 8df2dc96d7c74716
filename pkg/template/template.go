// Package template provides templating for variable defaults and dynamic
// run configuration.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"
)

// Render resolves a template string against the given data, using Go
// text/template with a small function set (now, today, env). The result
// is parsed as JSON when it looks like JSON.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("variable").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"today": func() string {
				return time.Now().UTC().Format("2006-01-02")
			},
			"env": func(key string) string {
				return os.Getenv(key)
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}
	}

	return result, nil
}

// NeedsTemplating reports whether a string contains template expressions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}
