package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparqlkit/prewarm/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Target{
		BaseURL:     server.URL,
		AccessToken: "secret",
		Timeout:     2 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	return client, server
}

func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{"valid", Target{BaseURL: "http://localhost:7001"}, false},
		{"missing URL", Target{}, true},
		{"no scheme", Target{BaseURL: "localhost:7001"}, true},
		{"garbage", Target{BaseURL: "::::"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.CodeConfig, errors.GetCode(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, 30*time.Second, tt.target.Timeout)
			}
		})
	}
}

func TestSubmit_Success(t *testing.T) {
	var gotQuery, gotPin, gotSend, gotToken string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = q.Get("query")
		gotPin = q.Get("pinresult")
		gotSend = q.Get("send")
		gotToken = q.Get("access-token")
		w.Write([]byte(`{"status": "OK", "resultsize": 42}`))
	})

	result, err := client.Submit(context.Background(),
		"SELECT ?x WHERE { ?x ?p ?o }",
		SubmitOptions{Pin: true, SendLimit: 100})
	require.NoError(t, err)

	assert.Equal(t, int64(42), result.ResultSize)
	assert.Greater(t, result.Elapsed, time.Duration(0))
	assert.Equal(t, "SELECT ?x WHERE { ?x ?p ?o }", gotQuery)
	assert.Equal(t, "true", gotPin)
	assert.Equal(t, "100", gotSend)
	assert.Equal(t, "secret", gotToken)
}

func TestSubmit_NoPinNoLimit(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.False(t, q.Has("pinresult"))
		assert.False(t, q.Has("send"))
		w.Write([]byte(`{"resultsize": 0}`))
	})

	result, err := client.Submit(context.Background(), "SELECT * WHERE { ?s ?p ?o }", SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.ResultSize)
}

func TestSubmit_BackendException(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"exception": "Query parse error at token WHERE"}`))
	})

	_, err := client.Submit(context.Background(), "broken", SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeBackend, errors.GetCode(err))
	assert.Contains(t, err.Error(), "Query parse error")
}

func TestSubmit_NonSuccessStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	})

	_, err := client.Submit(context.Background(), "q", SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeBackend, errors.GetCode(err))
}

func TestSubmit_UnexpectedShape(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "OK"}`))
	})

	_, err := client.Submit(context.Background(), "q", SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeParse, errors.GetCode(err))
}

func TestSubmit_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Target{
		BaseURL: server.URL,
		Timeout: 50 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), "q", SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeTimeout, errors.GetCode(err))
}

func TestSubmit_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client, err := NewClient(Target{
		BaseURL: server.URL,
		Timeout: time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), "q", SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeTransport, errors.GetCode(err))
}

func TestClearCommands(t *testing.T) {
	var gotCmds []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCmds = append(gotCmds, r.URL.Query().Get("cmd"))
		w.Write([]byte(`{}`))
	})

	require.NoError(t, client.ClearAll(context.Background()))
	require.NoError(t, client.ClearUnpinned(context.Background()))
	assert.Equal(t, []string{"clearcachecomplete", "clearcache"}, gotCmds)
}

func TestStats(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cachestats", r.URL.Query().Get("cmd"))
		w.Write([]byte(`{
			"num-non-pinned-entries": 7,
			"num-pinned-entries": 3,
			"non-pinned-size": 1024,
			"pinned-size": 4096
		}`))
	})

	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.NumEntries)
	assert.Equal(t, int64(3), stats.NumPinned)
	assert.Equal(t, int64(5120), stats.SizeBytes)
	assert.Equal(t, int64(4096), stats.PinnedSizeBytes)
}

func TestStats_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>oops</html>"},
		{"missing fields", `{"something-else": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			_, err := client.Stats(context.Background())
			require.Error(t, err)
			assert.Equal(t, errors.CodeParse, errors.GetCode(err))
		})
	}
}

func TestSettings(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "get-settings", r.URL.Query().Get("cmd"))
		w.Write([]byte(`{"cache-max-size-gb": "30", "lazy-index-scan-queue-size": 20}`))
	})

	settings, err := client.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "30", settings["cache-max-size-gb"])
}

func TestCountPredicates(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("query"), "GROUP BY ?predicate")
		assert.Equal(t, "2", r.URL.Query().Get("send"))
		w.Write([]byte(`{
			"resultsize": 2,
			"res": [
				["<http://www.wikidata.org/prop/direct/P31>", "\"95000000\"^^<http://www.w3.org/2001/XMLSchema#int>"],
				["<http://www.w3.org/2000/01/rdf-schema#label>", "80000000"]
			]
		}`))
	})

	counts, err := client.CountPredicates(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, "<http://www.wikidata.org/prop/direct/P31>", counts[0].Predicate)
	assert.Equal(t, int64(95000000), counts[0].Count)
	assert.Equal(t, int64(80000000), counts[1].Count)
}

func TestCountPredicates_BadLiteral(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resultsize": 1, "res": [["<p>", "not-a-number"]]}`))
	})

	_, err := client.CountPredicates(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, errors.CodeParse, errors.GetCode(err))
}

func TestParseIntLiteral(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"42", 42, false},
		{`"42"`, 42, false},
		{`"42"^^<http://www.w3.org/2001/XMLSchema#int>`, 42, false},
		{`"x"`, 0, true},
	}
	for _, tt := range tests {
		got, err := parseIntLiteral(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got)
		}
	}
}
