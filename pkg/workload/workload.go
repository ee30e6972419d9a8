// Package workload defines the ordered set of warmup queries submitted
// against a backend: named templates, per-query bindings and the list of
// frequent predicates to pin.
package workload

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sparqlkit/prewarm/pkg/errors"
	"github.com/sparqlkit/prewarm/pkg/template"
)

// Query is one warmup step: a template name plus the bindings it is
// rendered with. Entry bindings override workload defaults key by key.
type Query struct {
	Name     string            `yaml:"name"`
	Template string            `yaml:"template"`
	Bindings map[string]string `yaml:"bindings"`
}

// Workload is an ordered warmup query set. Immutable once loaded.
type Workload struct {
	set           *template.Set
	queries       []Query
	defaults      map[string]string
	pinPredicates []string
}

type workloadFile struct {
	Templates []struct {
		Name string `yaml:"name"`
		Text string `yaml:"text"`
	} `yaml:"templates"`
	Defaults      map[string]string `yaml:"defaults"`
	Queries       []Query           `yaml:"queries"`
	PinPredicates []string          `yaml:"pin_predicates"`
}

// New builds a workload from already-parsed parts. Template references are
// expanded and cycle-checked here, before any network call can happen.
func New(templates []template.Template, defaults map[string]string, queries []Query, pinPredicates []string) (*Workload, error) {
	if len(queries) == 0 {
		return nil, errors.ErrEmptyWorkload
	}
	set, err := template.NewSet(templates)
	if err != nil {
		return nil, err
	}
	for _, q := range queries {
		if !set.Has(q.Template) {
			return nil, errors.Newf(errors.CodeConfig,
				"query %q references unknown template %q", q.Name, q.Template)
		}
	}
	return &Workload{
		set:           set,
		queries:       queries,
		defaults:      defaults,
		pinPredicates: pinPredicates,
	}, nil
}

// LoadFile reads a workload from a YAML file.
func LoadFile(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeConfig, "cannot read workload file %s", path)
	}
	return Parse(data)
}

// Parse reads a workload from YAML bytes.
func Parse(data []byte) (*Workload, error) {
	var file workloadFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, "malformed workload file")
	}
	templates := make([]template.Template, 0, len(file.Templates))
	for _, t := range file.Templates {
		templates = append(templates, template.Template{Name: t.Name, Text: t.Text})
	}
	return New(templates, file.Defaults, file.Queries, file.PinPredicates)
}

// Queries returns the warmup queries in declaration order.
func (w *Workload) Queries() []Query {
	return w.queries
}

// PinPredicates returns the predicates whose scans should be pinned after
// the template queries have run.
func (w *Workload) PinPredicates() []string {
	return w.pinPredicates
}

// Render produces the concrete query string for the i-th query. Bindings are
// the workload defaults overlaid with the query's own bindings.
func (w *Workload) Render(i int) (string, []template.Warning, error) {
	if i < 0 || i >= len(w.queries) {
		return "", nil, errors.Newf(errors.CodeInternal, "query index %d out of range", i)
	}
	q := w.queries[i]
	bindings := make(map[string]string, len(w.defaults)+len(q.Bindings))
	for k, v := range w.defaults {
		bindings[k] = v
	}
	for k, v := range q.Bindings {
		bindings[k] = v
	}
	return w.set.Render(q.Template, bindings)
}
