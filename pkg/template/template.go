// Package template implements named query templates with textual placeholder
// substitution. Placeholders are %UPPER_SNAKE% markers. A placeholder whose
// name matches another template in the same set is a reference to that
// template and is expanded when the set is loaded, so a shared sub-pattern
// propagates to every template that embeds it.
package template

import (
	"regexp"
	"sort"
	"strings"

	"github.com/sparqlkit/prewarm/pkg/errors"
)

var placeholderPattern = regexp.MustCompile(`%([A-Z][A-Z0-9_]*)%`)

// Template is a named query template. Immutable once loaded.
type Template struct {
	Name string
	Text string
}

// Placeholders returns the placeholder names in order of first appearance.
func (t Template) Placeholders() []string {
	return extractPlaceholders(t.Text)
}

func extractPlaceholders(text string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Set holds an ordered collection of templates with all template-to-template
// references already expanded. References form a DAG; cycles are rejected at
// load time, not per render.
type Set struct {
	order    []string
	expanded map[string]string
}

// NewSet loads the given templates, expands references between them and
// verifies the reference graph is acyclic. Template names must be unique.
func NewSet(templates []Template) (*Set, error) {
	byName := make(map[string]string, len(templates))
	order := make([]string, 0, len(templates))
	for _, t := range templates {
		if t.Name == "" {
			return nil, errors.New(errors.CodeConfig, "template with empty name")
		}
		if _, dup := byName[t.Name]; dup {
			return nil, errors.Newf(errors.CodeConfig, "duplicate template name %q", t.Name)
		}
		byName[t.Name] = t.Text
		order = append(order, t.Name)
	}

	s := &Set{
		order:    order,
		expanded: make(map[string]string, len(templates)),
	}

	// Three-color DFS over the reference graph.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(templates))

	var expand func(name string, path []string) (string, error)
	expand = func(name string, path []string) (string, error) {
		switch color[name] {
		case black:
			return s.expanded[name], nil
		case gray:
			cycle := append(path, name)
			return "", errors.Newf(errors.CodeCyclicTemplate,
				"cyclic template reference: %s", strings.Join(cycle, " -> "))
		}
		color[name] = gray

		text := byName[name]
		var expandErr error
		result := placeholderPattern.ReplaceAllStringFunc(text, func(marker string) string {
			if expandErr != nil {
				return marker
			}
			ref := marker[1 : len(marker)-1]
			if _, ok := byName[ref]; !ok {
				return marker // plain placeholder, resolved at render time
			}
			sub, err := expand(ref, append(path, name))
			if err != nil {
				expandErr = err
				return marker
			}
			return sub
		})
		if expandErr != nil {
			return "", expandErr
		}

		color[name] = black
		s.expanded[name] = result
		return result, nil
	}

	for _, name := range order {
		if _, err := expand(name, nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Names returns the template names in declaration order.
func (s *Set) Names() []string {
	return s.order
}

// Has reports whether the set contains a template with the given name.
func (s *Set) Has(name string) bool {
	_, ok := s.expanded[name]
	return ok
}

// Placeholders returns the placeholder names of the expanded template.
func (s *Set) Placeholders(name string) ([]string, error) {
	text, ok := s.expanded[name]
	if !ok {
		return nil, errors.Newf(errors.CodeConfig, "unknown template %q", name)
	}
	return extractPlaceholders(text), nil
}

// Warning is a non-fatal rendering diagnostic.
type Warning struct {
	Code    string
	Message string
}

// Render substitutes bindings into the named template. It fails with an
// UNRESOLVED_PLACEHOLDER error when a placeholder has no binding, and
// reports a warning for every binding that the template does not reference.
// On error the partially substituted string is never returned.
func (s *Set) Render(name string, bindings map[string]string) (string, []Warning, error) {
	text, ok := s.expanded[name]
	if !ok {
		return "", nil, errors.Newf(errors.CodeConfig, "unknown template %q", name)
	}

	referenced := make(map[string]bool)
	var unresolved []string
	result := placeholderPattern.ReplaceAllStringFunc(text, func(marker string) string {
		key := marker[1 : len(marker)-1]
		referenced[key] = true
		value, bound := bindings[key]
		if !bound {
			unresolved = append(unresolved, key)
			return marker
		}
		return value
	})
	if len(unresolved) > 0 {
		return "", nil, errors.Newf(errors.CodeUnresolvedPlaceholder,
			"template %q has unresolved placeholders: %s",
			name, strings.Join(unresolved, ", ")).
			WithDetail("template", name)
	}

	var warnings []Warning
	unused := make([]string, 0)
	for key := range bindings {
		if !referenced[key] {
			unused = append(unused, key)
		}
	}
	sort.Strings(unused)
	for _, key := range unused {
		warnings = append(warnings, Warning{
			Code:    errors.CodeUnusedBinding,
			Message: "binding " + key + " is not referenced by template " + name,
		})
	}
	return result, warnings, nil
}
