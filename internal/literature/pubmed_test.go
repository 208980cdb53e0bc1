package literature

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func ok(body string) *http.Response {
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{}}
}

func TestSearchResolvesSummariesInRelevanceOrder(t *testing.T) {
	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		q := r.URL.Query()
		assert.Equal(t, "pubmed", q.Get("db"))
		assert.Equal(t, "k", q.Get("api_key"))
		switch {
		case strings.HasSuffix(r.URL.Path, "esearch.fcgi"):
			assert.Equal(t, "sepsis lactate", q.Get("term"))
			return ok(`{"esearchresult":{"idlist":["222","111"]}}`), nil
		case strings.HasSuffix(r.URL.Path, "esummary.fcgi"):
			assert.Equal(t, "222,111", q.Get("id"))
			return ok(`{"result":{"uids":["222","111"],
				"111":{"title":"Older trial","source":"NEJM","pubdate":"2001"},
				"222":{"title":"Lactate clearance","source":"JAMA","pubdate":"2020"}}}`), nil
		}
		t.Fatalf("unexpected path %s", r.URL.Path)
		return nil, nil
	})}
	c := NewPubMedClient("http://eutils", "k", time.Second, nil).WithHTTPClient(client)

	got, err := c.Search(context.Background(), "sepsis lactate", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "222", got[0].PMID)
	assert.Equal(t, "Lactate clearance", got[0].Title)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/222/", got[0].URL())
}

func TestSearchNoHitsSkipsSummary(t *testing.T) {
	calls := 0
	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return ok(`{"esearchresult":{"idlist":[]}}`), nil
	})}
	c := NewPubMedClient("http://eutils", "", time.Second, nil).WithHTTPClient(client)
	got, err := c.Search(context.Background(), "nothing", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return &http.Response{StatusCode: 500, Body: io.NopCloser(strings.NewReader("boom")), Header: http.Header{}}, nil
	})}
	c := NewPubMedClient("http://eutils", "", time.Second, nil).WithHTTPClient(client)
	for i := 0; i < 4; i++ {
		_, err := c.Search(context.Background(), "q", 1)
		assert.Error(t, err)
	}
	assert.Equal(t, 3, calls)
}
