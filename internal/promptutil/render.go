// Package promptutil renders the worker and QA pipeline's prompt
// templates, following the teacher's learning/prompts.Spec compile-once,
// render-many shape but swapping dot-field access for the bare
// {{IMAGE}}/{{PRIOR_OUTPUT}} function tokens the profile YAML documents use.
package promptutil

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Render substitutes {{IMAGE}} (the base64-encoded image) and
// {{PRIOR_OUTPUT}} (the current task output, empty on a first pass) into
// tmpl. Either placeholder may be absent or repeated.
func Render(tmpl, image, priorOutput string) (string, error) {
	t, err := template.New("prompt").Option("missingkey=zero").Funcs(template.FuncMap{
		"IMAGE":        func() string { return image },
		"PRIOR_OUTPUT": func() string { return priorOutput },
	}).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("promptutil: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, nil); err != nil {
		return "", fmt.Errorf("promptutil: execute: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
