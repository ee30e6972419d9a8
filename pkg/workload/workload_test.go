package workload

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparqlkit/prewarm/pkg/errors"
	"github.com/sparqlkit/prewarm/pkg/template"
)

func TestBuiltin(t *testing.T) {
	w := Builtin()
	require.Len(t, w.Queries(), 4)

	for i, q := range w.Queries() {
		out, warnings, err := w.Render(i)
		require.NoError(t, err, "query %q", q.Name)
		assert.Empty(t, warnings, "query %q", q.Name)
		assert.NotContains(t, out, "%PREFIXES%")
		assert.NotContains(t, out, "%SCORE_PATTERN%")
		assert.Contains(t, out, "SELECT")
	}
}

func TestBuiltin_SharedPatternPropagates(t *testing.T) {
	w := Builtin()
	// Both entity queries embed the same score sub-pattern.
	first, _, err := w.Render(0)
	require.NoError(t, err)
	second, _, err := w.Render(1)
	require.NoError(t, err)
	assert.Contains(t, first, "wikibase:sitelinks ?score")
	assert.Contains(t, second, "wikibase:sitelinks ?score")
}

func TestNew_EmptyWorkload(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfig, errors.GetCode(err))
}

func TestNew_UnknownTemplate(t *testing.T) {
	_, err := New(
		[]template.Template{{Name: "a", Text: "x"}},
		nil,
		[]Query{{Name: "q", Template: "missing"}},
		nil,
	)
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfig, errors.GetCode(err))
}

func TestParse(t *testing.T) {
	data := []byte(`
templates:
  - name: BODY
    text: "?s ?p ?o"
  - name: count-all
    text: "SELECT (COUNT(*) AS ?c) WHERE { %BODY% } LIMIT %LIMIT%"
defaults:
  LIMIT: "100"
queries:
  - name: count everything
    template: count-all
  - name: count a few
    template: count-all
    bindings:
      LIMIT: "5"
pin_predicates:
  - <http://www.wikidata.org/prop/direct/P31>
`)
	w, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, w.Queries(), 2)
	assert.Equal(t, []string{"<http://www.wikidata.org/prop/direct/P31>"}, w.PinPredicates())

	out, _, err := w.Render(0)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "LIMIT 100"), out)

	// Per-query binding overrides the default.
	out, _, err = w.Render(1)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "LIMIT 5"), out)
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("queries: [unclosed"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfig, errors.GetCode(err))
}

func TestParse_CyclicTemplates(t *testing.T) {
	data := []byte(`
templates:
  - name: A
    text: "%B%"
  - name: B
    text: "%A%"
queries:
  - name: q
    template: A
`)
	_, err := Parse(data)
	require.Error(t, err)
	assert.Equal(t, errors.CodeCyclicTemplate, errors.GetCode(err))
}

func TestRender_UnresolvedBindingSurfaces(t *testing.T) {
	w, err := New(
		[]template.Template{{Name: "q", Text: "SELECT %VAR% WHERE { ?s ?p ?o }"}},
		nil,
		[]Query{{Name: "broken", Template: "q"}},
		nil,
	)
	require.NoError(t, err)

	_, _, err = w.Render(0)
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnresolvedPlaceholder, errors.GetCode(err))
}

func TestRender_OutOfRange(t *testing.T) {
	w := Builtin()
	_, _, err := w.Render(99)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInternal, errors.GetCode(err))
}
