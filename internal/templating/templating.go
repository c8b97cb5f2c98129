// Package templating renders the small command and config templates
// scattered through image/build-environment setup, grounded on
// original_source/fatbuildr/templates.py's Templeter. The original
// backs onto Jinja2's bare-name substitution ({{ name }}); Go's
// text/template requires a field selector ({{.name}}), so every
// template string adapted from original_source has been rewritten
// accordingly — the substitution keys themselves are unchanged.
package templating

import (
	"bytes"
	"os"
	"text/template"
)

// SRender renders a string template against the given named values.
func SRender(tpl string, data map[string]any) (string, error) {
	t, err := template.New("inline").Parse(tpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FRender renders the template file at path against the given named
// values.
func FRender(path string, data map[string]any) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return SRender(string(content), data)
}
