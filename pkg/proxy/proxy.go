// Package proxy implements an HTTP proxy in front of one or two query
// backends. Queries race both backends with a preference for the primary;
// admin commands go to the primary only. An optional name service rewrites
// SELECT queries to add name columns for entity variables.
package proxy

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sparqlkit/prewarm/pkg/errors"
	"github.com/sparqlkit/prewarm/pkg/infrastructure/metrics"
)

// Server proxies GET requests to the configured upstreams.
type Server struct {
	primary     *Upstream
	fallback    *Upstream // may be nil
	nameService *NameService
	logger      zerolog.Logger
	collector   metrics.Collector
}

// NewServer creates a proxy server. fallback and nameService are optional.
func NewServer(primary, fallback *Upstream, nameService *NameService, logger zerolog.Logger, collector metrics.Collector) *Server {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &Server{
		primary:     primary,
		fallback:    fallback,
		nameService: nameService,
		logger:      logger,
		collector:   collector,
	}
}

// Handler returns the proxy's HTTP handler, CORS-wrapped so the companion
// web UI accepts the responses.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(s.handleGet).Methods(http.MethodGet)
	return gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins([]string{"*"}),
	)(router)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	params := r.URL.Query()

	var (
		route string
		resp  *Response
	)
	if params.Has("query") {
		route = "query"
		resp = s.handleQuery(r.Context(), params)
	} else {
		route = "admin"
		var err error
		resp, err = s.primary.Fetch(r.Context(), r.URL.RawQuery)
		if err != nil {
			s.logger.Error().Err(err).Str("raw_query", r.URL.RawQuery).Msg("Admin command failed on primary upstream")
		}
	}

	outcome := "ok"
	if resp == nil {
		outcome = "no_response"
		w.WriteHeader(http.StatusNotFound)
		s.logger.Warn().Str("route", route).Msg("No upstream responded, sending 404")
	} else {
		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Body)
	}

	s.collector.IncrementCounter("proxy_requests_total", "route", route, "outcome", outcome)
	s.collector.RecordHistogram("proxy_request_duration_seconds", time.Since(start).Seconds(), "route", route)
	s.logger.Info().
		Str("route", route).
		Str("outcome", outcome).
		Dur("elapsed", time.Since(start)).
		Msg("Request handled")
}

// handleQuery decides between a YAML dual-query payload, a name-service
// enhanced query and a plain query.
func (s *Server) handleQuery(ctx context.Context, params url.Values) *Response {
	query := params.Get("query")

	if strings.HasPrefix(query, "yaml") && s.fallback != nil {
		resp, err := s.handleDualQuery(ctx, query)
		if err != nil {
			s.logger.Error().Err(err).Msg("Error handling YAML dual query")
			return nil
		}
		return resp
	}

	if s.nameService != nil {
		enhanced, err := s.nameService.EnhanceQuery(ctx, query)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Name service could not enhance query, forwarding unchanged")
		}
		params.Set("query", enhanced)
		resp, err := s.primary.Fetch(ctx, params.Encode())
		if err != nil {
			s.logger.Error().Err(err).Msg("Primary upstream failed")
			return nil
		}
		return resp
	}

	if s.fallback == nil {
		resp, err := s.primary.Fetch(ctx, params.Encode())
		if err != nil {
			s.logger.Error().Err(err).Msg("Primary upstream failed")
			return nil
		}
		return resp
	}

	return s.raceUpstreams(ctx, params.Encode(), params.Encode())
}

// dualQueryPayload is a YAML document holding one query per upstream plus a
// shared footer.
type dualQueryPayload struct {
	Yaml struct {
		Query1 string `yaml:"query_1"`
		Query2 string `yaml:"query_2"`
		Footer string `yaml:"footer"`
	} `yaml:"yaml"`
}

var (
	footerStartRe  = regexp.MustCompile(`\n(LIMIT)`)
	yamlKeywordsRe = regexp.MustCompile(`\n(PREFIX|LIMIT|OFFSET)`)
)

// handleDualQuery parses a yaml:-prefixed query payload carrying one query
// per upstream and races both.
func (s *Server) handleDualQuery(ctx context.Context, payload string) (*Response, error) {
	// The payload is hand-written YAML where the SPARQL text is not
	// indented; pull the trailing LIMIT into its own footer key and indent
	// the keyword lines so it parses.
	text := footerStartRe.ReplaceAllString(payload, "\n  footer: |-\n$1")
	text = yamlKeywordsRe.ReplaceAllString(text, "\n    $1")

	var doc dualQueryPayload
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, errors.Wrap(err, errors.CodeParse, "malformed dual-query payload")
	}
	if doc.Yaml.Query1 == "" || doc.Yaml.Query2 == "" {
		return nil, errors.New(errors.CodeParse, "dual-query payload must carry query_1 and query_2")
	}

	query1 := doc.Yaml.Query1 + "\n" + doc.Yaml.Footer
	query2 := doc.Yaml.Query2 + "\n" + doc.Yaml.Footer
	params1 := url.Values{"query": []string{query1}}
	params2 := url.Values{"query": []string{query2}}
	return s.raceUpstreams(ctx, params1.Encode(), params2.Encode()), nil
}

type raceResult struct {
	resp *Response
	id   int
}

// raceUpstreams queries both upstreams in parallel with a preference for the
// primary: if the primary answers within its timeout its response wins, even
// when the fallback answered first.
func (s *Server) raceUpstreams(ctx context.Context, rawQuery1, rawQuery2 string) *Response {
	results := make(chan raceResult, 2)
	fetch := func(u *Upstream, rawQuery string) {
		resp, err := u.Fetch(ctx, rawQuery)
		if err != nil {
			s.logger.Warn().Err(err).Int("upstream", u.id).Msg("Upstream failed")
			resp = nil
		}
		results <- raceResult{resp: resp, id: u.id}
	}
	go fetch(s.primary, rawQuery1)
	go fetch(s.fallback, rawQuery2)

	first := <-results
	winner := first
	switch {
	case first.id == 1 && first.resp == nil:
		// Primary failed fast, wait for the fallback.
		winner = <-results
	case first.id == 2:
		// Fallback answered first, still give the primary its chance.
		second := <-results
		if second.resp != nil {
			winner = second
		}
	}

	switch {
	case winner.resp != nil && winner.id == 1:
		s.logger.Info().Msg("Primary upstream responded in time")
	case winner.resp != nil && winner.id == 2:
		s.collector.IncrementCounter("proxy_fallback_total")
		s.logger.Info().Msg("Primary did not respond in time, taking fallback result")
	default:
		s.logger.Warn().Msg("Neither upstream responded in time")
	}
	if winner.resp == nil {
		return nil
	}
	return winner.resp
}
