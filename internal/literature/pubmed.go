// Package literature queries PubMed through the NCBI E-utilities.
package literature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/telemetry"
)

const DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

type Article struct {
	PMID    string `json:"pmid"`
	Title   string `json:"title"`
	Journal string `json:"journal,omitempty"`
	PubDate string `json:"pub_date,omitempty"`
}

func (a Article) URL() string {
	return "https://pubmed.ncbi.nlm.nih.gov/" + a.PMID + "/"
}

type PubMedClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewPubMedClient(baseURL, apiKey string, timeout time.Duration, metrics *telemetry.Metrics) *PubMedClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &PubMedClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "PubMed",
			MaxRequests: 2,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
				metrics.RecordCircuitBreakerState(name, to.String())
			},
		}),
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func (c *PubMedClient) WithHTTPClient(h *http.Client) *PubMedClient {
	c.http = h
	return c
}

// Search returns up to limit articles in PubMed relevance order.
func (c *PubMedClient) Search(ctx context.Context, query string, limit int) ([]Article, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		ids, err := c.esearch(ctx, query, limit)
		if err != nil || len(ids) == 0 {
			return []Article(nil), err
		}
		return c.esummary(ctx, ids)
	})
	if err != nil {
		return nil, err
	}
	return out.([]Article), nil
}

func (c *PubMedClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	params.Set("db", "pubmed")
	params.Set("retmode", "json")
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return fmt.Errorf("pubmed %s: status %d: %s", endpoint, resp.StatusCode, raw)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *PubMedClient) esearch(ctx context.Context, query string, limit int) ([]string, error) {
	var body struct {
		Result struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	params := url.Values{}
	params.Set("term", query)
	params.Set("retmax", strconv.Itoa(limit))
	params.Set("sort", "relevance")
	if err := c.get(ctx, "esearch.fcgi", params, &body); err != nil {
		return nil, err
	}
	return body.Result.IDList, nil
}

func (c *PubMedClient) esummary(ctx context.Context, ids []string) ([]Article, error) {
	var body struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	params := url.Values{}
	params.Set("id", strings.Join(ids, ","))
	if err := c.get(ctx, "esummary.fcgi", params, &body); err != nil {
		return nil, err
	}
	if body.Result == nil {
		return nil, errors.New("pubmed esummary: missing result")
	}
	out := make([]Article, 0, len(ids))
	for _, id := range ids {
		raw, ok := body.Result[id]
		if !ok {
			continue
		}
		var doc struct {
			Title   string `json:"title"`
			Source  string `json:"source"`
			PubDate string `json:"pubdate"`
		}
		if json.Unmarshal(raw, &doc) != nil || doc.Title == "" {
			continue
		}
		out = append(out, Article{PMID: id, Title: doc.Title, Journal: doc.Source, PubDate: doc.PubDate})
	}
	return out, nil
}
