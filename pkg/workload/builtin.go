package workload

import "github.com/sparqlkit/prewarm/pkg/template"

// The built-in workload mirrors the autocompletion warmup used for the
// Wikidata instance: entity and predicate suggestions, with and without a
// typed prefix, all sharing the score and name/alias sub-patterns.

const defaultPrefixes = `PREFIX wd: <http://www.wikidata.org/entity/>
PREFIX wdt: <http://www.wikidata.org/prop/direct/>
PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>
PREFIX skos: <http://www.w3.org/2004/02/skos/core#>
PREFIX schema: <http://schema.org/>
PREFIX wikibase: <http://wikiba.se/ontology#>`

var builtinTemplates = []template.Template{
	{
		Name: "SCORE_PATTERN",
		Text: `?entity ^schema:about/wikibase:sitelinks ?score`,
	},
	{
		Name: "NAME_AND_ALIAS_PATTERN",
		Text: `?entity @en@rdfs:label ?name . ?entity @en@skos:altLabel ?alias`,
	},
	{
		Name: "PREDICATE_NAME_AND_ALIAS_PATTERN",
		Text: `?entity wikibase:directClaim ?p . ?entity @en@rdfs:label ?name . ?entity @en@skos:altLabel ?alias`,
	},
	{
		Name: "entities-with-prefix",
		Text: `%PREFIXES%
SELECT ?entity ?name ?alias ?score WHERE {
  %NAME_AND_ALIAS_PATTERN%
  %SCORE_PATTERN%
  FILTER (REGEX(STR(?alias), "^%WORD%"))
}
ORDER BY DESC(?score)`,
	},
	{
		Name: "entities-without-prefix",
		Text: `%PREFIXES%
SELECT ?entity ?name ?alias ?score WHERE {
  %NAME_AND_ALIAS_PATTERN%
  %SCORE_PATTERN%
}
ORDER BY DESC(?score)`,
	},
	{
		Name: "predicates-with-prefix",
		Text: `%PREFIXES%
SELECT ?entity ?p ?name ?alias WHERE {
  %PREDICATE_NAME_AND_ALIAS_PATTERN%
  FILTER (REGEX(STR(?alias), "^%WORD%"))
}`,
	},
	{
		Name: "predicates-without-prefix",
		Text: `%PREFIXES%
SELECT ?entity ?p ?name ?alias WHERE {
  %PREDICATE_NAME_AND_ALIAS_PATTERN%
}`,
	},
}

var builtinQueries = []Query{
	{Name: "Entities names aliases score, without prefix", Template: "entities-without-prefix"},
	{Name: "Entities names aliases score, with prefix", Template: "entities-with-prefix", Bindings: map[string]string{"WORD": "a"}},
	{Name: "Predicates names aliases score, without prefix", Template: "predicates-without-prefix"},
	{Name: "Predicates names aliases score, with prefix", Template: "predicates-with-prefix", Bindings: map[string]string{"WORD": "a"}},
}

// Builtin returns the default autocompletion warmup workload.
func Builtin() *Workload {
	w, err := New(builtinTemplates,
		map[string]string{"PREFIXES": defaultPrefixes},
		builtinQueries, nil)
	if err != nil {
		// The built-in workload is a compile-time fixture.
		panic(err)
	}
	return w
}
