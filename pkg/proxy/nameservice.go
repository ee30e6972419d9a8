package proxy

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparqlkit/prewarm/pkg/errors"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	// Splits a query into prefixes, SELECT clause, body and footer. The
	// query must be collapsed to single spaces first.
	queryPartsRe = regexp.MustCompile(`^\s*(.*?)\s*SELECT\s+(\S[^{]*\S)\s*WHERE\s*\{\s*(\S.*\S)\s*\}\s*(.*?)\s*$`)
	prefixDeclRe = regexp.MustCompile(`PREFIX\s+\S+\s+<[^>]*>`)
	// Rewrites an aggregate alias like "( COUNT( ?y ) AS ?yy )" to "?yy".
	aggregateAliasRe = regexp.MustCompile(`\(\s*[^(]+\s*\([^)]+\)\s*[aA][sS]\s*(\?[^)]+)\s*\)`)
	resultSizeRe     = regexp.MustCompile(`"resultsize"\s*:\s*(\d+)`)
	trailingDotRe    = regexp.MustCompile(`\s*\.?\s*$`)
)

// queryParts is the decomposition of a SELECT query.
type queryParts struct {
	prefixes   []string
	selectVars string   // the SELECT clause verbatim
	varsList   []string // variables of the SELECT clause, aliases resolved
	body       string
	footer     string
}

// splitQuery decomposes a SPARQL SELECT query. It does not validate the
// query beyond the shape it needs.
func splitQuery(query string) (*queryParts, error) {
	collapsed := whitespaceRe.ReplaceAllString(query, " ")
	groups := queryPartsRe.FindStringSubmatch(collapsed)
	if groups == nil {
		return nil, errors.New(errors.CodeParse, "query does not match SELECT ... WHERE { ... } shape")
	}
	prefixes := prefixDeclRe.FindAllString(groups[1], -1)
	selectVars := groups[2]
	varsList := strings.Fields(aggregateAliasRe.ReplaceAllString(selectVars, "$1"))
	return &queryParts{
		prefixes:   prefixes,
		selectVars: selectVars,
		varsList:   varsList,
		body:       groups[3],
		footer:     groups[4],
	}, nil
}

// assembleNameQuery nests the original SELECT inside an outer SELECT that
// adds the given name triples.
func assembleNameQuery(prefixes, nameVars, nameTriples []string, selectVars, body, groupBy, footer string) string {
	return fmt.Sprintf("%s\nSELECT %s WHERE {\n  { SELECT %s WHERE {\n    %s } %s}\n%s\n} %s",
		strings.Join(prefixes, "\n"),
		strings.Join(nameVars, " "),
		selectVars,
		body,
		groupBy,
		strings.Join(nameTriples, " .\n"),
		footer)
}

// splitGroupBy separates a leading "GROUP BY ?x ?y" clause from the rest of
// the footer.
func splitGroupBy(footer string) (groupBy, rest string) {
	parts := strings.Fields(footer)
	if len(parts) > 2 && parts[0] == "GROUP" && parts[1] == "BY" {
		i := 2
		for i < len(parts) && strings.HasPrefix(parts[i], "?") {
			i++
		}
		return strings.Join(parts[:i], " ") + " ", strings.Join(parts[i:], " ")
	}
	return "", footer
}

// NameService rewrites SELECT queries so that each selected variable that
// resolves via the name predicate also yields a name column, right next to
// the id column. Whether a variable has a name is probed against the backend
// with a LIMIT 1 query per variable.
type NameService struct {
	upstream            *Upstream
	namePredicate       string // e.g. "@en@rdfs:label"
	namePredicatePrefix string // PREFIX declaration for the name predicate
	varSuffix           string // e.g. "_name"
	logger              zerolog.Logger
}

// NewNameService creates a name service probing against the given upstream.
func NewNameService(upstream *Upstream, namePredicate, namePredicatePrefix, varSuffix string, logger zerolog.Logger) *NameService {
	return &NameService{
		upstream:            upstream,
		namePredicate:       namePredicate,
		namePredicatePrefix: namePredicatePrefix,
		varSuffix:           varSuffix,
		logger:              logger,
	}
}

// Predicates that already count as name triples in the original query.
const existingNameTriplePattern = `(@[a-z]+@)?(rdfs:label|schema:name)`

// EnhanceQuery adds a name triple for every selected variable that lacks one
// and whose probe query returns results. On any parse failure the original
// query is returned unchanged along with the error.
func (n *NameService) EnhanceQuery(ctx context.Context, query string) (string, error) {
	start := time.Now()

	parts, err := splitQuery(query)
	if err != nil {
		return query, err
	}
	body := whitespaceRe.ReplaceAllString(parts.body, " ")
	body = trailingDotRe.ReplaceAllString(body, "")
	groupBy, footer := splitGroupBy(parts.footer)

	prefixes := parts.prefixes
	if !containsString(prefixes, n.namePredicatePrefix) {
		prefixes = append(prefixes, n.namePredicatePrefix)
	}

	enhancedVars := append([]string(nil), parts.varsList...)
	var nameTriples []string
	added := 0
	for i, variable := range parts.varsList {
		// Skip variables that already have a name triple in the body.
		existingRe, err := regexp.Compile(regexp.QuoteMeta(variable) + `\s+` + existingNameTriplePattern)
		if err != nil {
			continue
		}
		if existingRe.MatchString(body) {
			continue
		}

		// Probe whether adding a name triple yields any results.
		nameVar := variable + n.varSuffix
		nameTriple := fmt.Sprintf("  %s %s %s", variable, n.namePredicate, nameVar)
		probe := assembleNameQuery(prefixes, []string{nameVar}, []string{nameTriple},
			parts.selectVars, body, groupBy, "LIMIT 1")
		if !n.probeHasResults(ctx, probe) {
			continue
		}

		n.logger.Info().Str("triple", strings.TrimSpace(nameTriple)).Msg("Adding name triple")
		added++
		enhancedVars = insertAt(enhancedVars, i+added, nameVar)
		nameTriples = append(nameTriples, nameTriple)
	}

	enhanced := assembleNameQuery(prefixes, enhancedVars, nameTriples,
		parts.selectVars, body, groupBy, footer)
	n.logger.Info().Dur("elapsed", time.Since(start)).Int("names_added", added).Msg("Name service done")
	return enhanced, nil
}

// probeHasResults submits the probe query and checks resultsize > 0. Any
// failure means no name triple for this variable.
func (n *NameService) probeHasResults(ctx context.Context, probe string) bool {
	params := url.Values{}
	params.Set("query", probe)
	resp, err := n.upstream.Fetch(ctx, params.Encode())
	if err != nil || resp == nil {
		n.logger.Warn().Err(err).Msg("Name probe got no result from backend")
		return false
	}
	m := resultSizeRe.FindSubmatch(resp.Body)
	if m == nil {
		return false
	}
	size, err := strconv.Atoi(string(m[1]))
	return err == nil && size > 0
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func insertAt(list []string, i int, s string) []string {
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}
