package tool

import (
	"context"
	"fmt"
	"strings"
	"text/template"
)

// TemplateTool renders a text/template against its input. The template sees
// the input map as its dot, so {{.name}} reads input["name"].
//
// Missing keys are an error rather than "<no value>".
type TemplateTool struct {
	name        string
	description string
	tmpl        *template.Template
}

// NewTemplateTool parses text and returns a tool rendering it.
func NewTemplateTool(name, description, text string) (*TemplateTool, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("tool %s: invalid template: %w", name, err)
	}
	return &TemplateTool{name: name, description: description, tmpl: tmpl}, nil
}

// Name implements Tool.
func (t *TemplateTool) Name() string { return t.name }

// Description implements Tool.
func (t *TemplateTool) Description() string { return t.description }

// Call implements Tool. The rendered text is returned under "output".
func (t *TemplateTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, input); err != nil {
		return nil, fmt.Errorf("tool %s: %w", t.name, err)
	}
	return map[string]interface{}{"output": sb.String()}, nil
}
