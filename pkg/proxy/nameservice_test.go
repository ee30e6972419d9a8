package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitQuery(t *testing.T) {
	parts, err := splitQuery(
		" PREFIX a: <bla>  PREFIX bc: <http://y> \n" +
			"SELECT ?x_  ( COUNT( ?y_2) AS ?yy)  WHERE \n" +
			"{ ?x wd:P31 ?p31 { SELECT ... WHERE ... } ?p31 w:P279 ?y } " +
			"O 20 L 10")
	require.NoError(t, err)

	assert.Equal(t, []string{"PREFIX a: <bla>", "PREFIX bc: <http://y>"}, parts.prefixes)
	assert.Equal(t, "?x_ ( COUNT( ?y_2) AS ?yy)", parts.selectVars)
	assert.Equal(t, []string{"?x_", "?yy"}, parts.varsList)
	assert.Equal(t, "?x wd:P31 ?p31 { SELECT ... WHERE ... } ?p31 w:P279 ?y", parts.body)
	assert.Equal(t, "O 20 L 10", parts.footer)
}

func TestSplitQuery_NotASelect(t *testing.T) {
	_, err := splitQuery("ASK { ?s ?p ?o }")
	assert.Error(t, err)
}

func TestSplitGroupBy(t *testing.T) {
	tests := []struct {
		footer      string
		wantGroupBy string
		wantRest    string
	}{
		{"GROUP BY ?x ?y LIMIT 10", "GROUP BY ?x ?y ", "LIMIT 10"},
		{"LIMIT 10", "", "LIMIT 10"},
		{"", "", ""},
		{"GROUP BY ?x", "GROUP BY ?x ", ""},
		{"GROUP BY", "", "GROUP BY"}, // too short to split safely
	}
	for _, tt := range tests {
		groupBy, rest := splitGroupBy(tt.footer)
		assert.Equal(t, tt.wantGroupBy, groupBy, tt.footer)
		assert.Equal(t, tt.wantRest, rest, tt.footer)
	}
}

func newProbeUpstream(t *testing.T, handler http.HandlerFunc) *Upstream {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	upstream, err := NewUpstream(2, server.URL, time.Second, zerolog.Nop())
	require.NoError(t, err)
	return upstream
}

func TestEnhanceQuery(t *testing.T) {
	// The probe finds a name only for ?x; ?y_label already carries no
	// results and ?y has a label triple in the body already.
	upstream := newProbeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("query"), "?x_name") {
			w.Write([]byte(`{"resultsize": 1}`))
			return
		}
		w.Write([]byte(`{"resultsize": 0}`))
	})

	ns := NewNameService(upstream,
		"@en@rdfs:label",
		"PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>",
		"_name",
		zerolog.Nop())

	enhanced, err := ns.EnhanceQuery(context.Background(),
		"PREFIX wdt: <http://www.wikidata.org/prop/direct/> "+
			"PREFIX wd: <http://www.wikidata.org/entity/>  "+
			"PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>"+
			"SELECT ?x ?y ?y_label WHERE {"+
			"  ?x wdt:P31 wd:Q5 ."+
			"  ?x wdt:P17 ?y ."+
			"  ?y rdfs:label ?y_label ."+
			"} LIMIT 10 ")
	require.NoError(t, err)

	lines := strings.Split(enhanced, "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "PREFIX wdt: <http://www.wikidata.org/prop/direct/>", lines[0])
	assert.Equal(t, "PREFIX wd: <http://www.wikidata.org/entity/>", lines[1])
	assert.Equal(t, "PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>", lines[2])
	assert.Equal(t, "SELECT ?x ?x_name ?y ?y_label WHERE {", lines[3])
	assert.Equal(t, "  { SELECT ?x ?y ?y_label WHERE {", lines[4])
	assert.Equal(t, "    ?x wdt:P31 wd:Q5 . ?x wdt:P17 ?y . ?y rdfs:label ?y_label } }", lines[5])
	assert.Equal(t, "  ?x @en@rdfs:label ?x_name", lines[6])
	assert.Equal(t, "} LIMIT 10", lines[7])
}

func TestEnhanceQuery_GroupByFooter(t *testing.T) {
	upstream := newProbeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resultsize": 0}`))
	})
	ns := NewNameService(upstream, "@en@rdfs:label",
		"PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>", "_name", zerolog.Nop())

	enhanced, err := ns.EnhanceQuery(context.Background(),
		"SELECT ?y (COUNT(?x) AS ?c) WHERE { ?x wdt:P17 ?y } GROUP BY ?y LIMIT 5")
	require.NoError(t, err)
	// GROUP BY stays attached to the inner SELECT, the footer to the outer.
	assert.Contains(t, enhanced, "GROUP BY ?y }")
	assert.True(t, strings.HasSuffix(enhanced, "} LIMIT 5"), enhanced)
}

func TestEnhanceQuery_UnparseableQueryReturnedUnchanged(t *testing.T) {
	upstream := newProbeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("probe must not be issued for an unparseable query")
	})
	ns := NewNameService(upstream, "@en@rdfs:label",
		"PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>", "_name", zerolog.Nop())

	original := "DESCRIBE <http://example.org>"
	enhanced, err := ns.EnhanceQuery(context.Background(), original)
	require.Error(t, err)
	assert.Equal(t, original, enhanced)
}

func TestEnhanceQuery_ProbeFailureSkipsVariable(t *testing.T) {
	upstream := newProbeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusInternalServerError)
	})
	ns := NewNameService(upstream, "@en@rdfs:label",
		"PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>", "_name", zerolog.Nop())

	enhanced, err := ns.EnhanceQuery(context.Background(),
		"SELECT ?x WHERE { ?x wdt:P31 wd:Q5 } LIMIT 1")
	require.NoError(t, err)
	assert.NotContains(t, enhanced, "?x_name")
}

func TestInsertAt(t *testing.T) {
	got := insertAt([]string{"a", "b", "c"}, 1, "x")
	assert.Equal(t, []string{"a", "x", "b", "c"}, got)
}
