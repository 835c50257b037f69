package notifx

import (
	"bytes"
	htmltemplate "html/template"
	"io"
	"sync"
	texttemplate "text/template"
)

type executor interface {
	Execute(w io.Writer, data any) error
}

type registeredTemplate struct {
	tmpl executor
	html bool
}

// TemplateRegistry stores and renders named HTML and text templates.
type TemplateRegistry struct {
	templates map[string]registeredTemplate
	mu        sync.RWMutex
}

// NewTemplateRegistry creates a new template registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{
		templates: make(map[string]registeredTemplate),
	}
}

// Register parses and stores an html/template by name.
func (r *TemplateRegistry) Register(name, tmplString string) error {
	t, err := htmltemplate.New(name).Parse(tmplString)
	if err != nil {
		return notifxErrors.NewWithCause(ErrTemplateParse, err).WithDetail("template", name)
	}
	r.store(name, registeredTemplate{tmpl: t, html: true})
	return nil
}

// RegisterText parses and stores a text/template by name.
func (r *TemplateRegistry) RegisterText(name, tmplString string) error {
	t, err := texttemplate.New(name).Option("missingkey=zero").Parse(tmplString)
	if err != nil {
		return notifxErrors.NewWithCause(ErrTemplateParse, err).WithDetail("template", name)
	}
	r.store(name, registeredTemplate{tmpl: t})
	return nil
}

func (r *TemplateRegistry) store(name string, t registeredTemplate) {
	r.mu.Lock()
	r.templates[name] = t
	r.mu.Unlock()
}

// Render executes a named template with the given data and returns the result.
func (r *TemplateRegistry) Render(name string, data any) (string, error) {
	out, _, err := r.render(name, data)
	return out, err
}

func (r *TemplateRegistry) render(name string, data any) (string, bool, error) {
	r.mu.RLock()
	t, ok := r.templates[name]
	r.mu.RUnlock()

	if !ok {
		return "", false, notifxErrors.New(ErrTemplateNotFound).WithDetail("template", name)
	}

	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", false, notifxErrors.NewWithCause(ErrTemplateRender, err).WithDetail("template", name)
	}
	return buf.String(), t.html, nil
}
