package request

import (
	"fmt"
	"sort"
	"sync"
)

// Templates is a registry of named, reusable view-window shapes. A template
// captures everything except the target, which is bound at instantiation.
type Templates struct {
	mu        sync.Mutex
	templates map[string]*ViewWindow
}

// NewTemplates returns an empty registry.
func NewTemplates() *Templates {
	return &Templates{templates: map[string]*ViewWindow{}}
}

// Register stores the window shape under name, replacing any previous one.
func (t *Templates) Register(name string, w *ViewWindow) error {
	if name == "" {
		return fmt.Errorf("%w: empty template name", ErrInvalidParameter)
	}
	// Templates are target-less; validate the shape with a placeholder bound.
	probe := w.Clone()
	probe.Target = "template"
	if err := probe.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates[name] = w.Clone()
	return nil
}

// Instantiate binds a template to target. Unknown names return
// invalid-parameter.
func (t *Templates) Instantiate(name, target string) (*ViewWindow, error) {
	t.mu.Lock()
	tpl, ok := t.templates[name]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %q", ErrInvalidParameter, name)
	}
	w := tpl.Clone()
	w.Target = target
	return w, nil
}

// Names lists registered template names, sorted.
func (t *Templates) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.templates))
	for name := range t.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
