package config

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateData is what a .tmpl fleet file is rendered with.
type TemplateData struct {
	Env  map[string]string
	Root string
}

// Render executes a fleet template. Missing keys are an error rather than
// silently rendering "<no value>" into the YAML.
func Render(name string, content []byte, data TemplateData) ([]byte, error) {
	tmpl, err := template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return out.Bytes(), nil
}
