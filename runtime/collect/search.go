package collect

import (
	"context"
	"fmt"
	"strings"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/model"
	"github.com/finsight-ai/finsight/runtime/telemetry"
)

// Search loop bounds.
const (
	DefaultSearchIterations = 3
	DefaultSearchResults    = 5
)

type (
	// DeepSearcher explores the web iteratively: run a search, ask the model
	// whether the gathered snippets suffice, and either stop or continue with
	// the refined query the model proposes. The full itinerary is stored as a
	// single search-log artifact so later stages can cite it.
	DeepSearcher struct {
		store         artifact.Store
		search        WebSearch
		client        model.Client
		maxIterations int
		maxResults    int
		logger        telemetry.Logger
	}

	// SearchStep records one iteration of the loop.
	SearchStep struct {
		Iteration int            `json:"iteration"`
		Query     string         `json:"query"`
		Results   []SearchResult `json:"results"`
	}

	// SearchLog is the payload of the stored search artifact.
	SearchLog struct {
		InitialQuery string       `json:"initial_query"`
		Steps        []SearchStep `json:"steps"`
		Snippets     []string     `json:"snippets"`
		Sources      []string     `json:"sources"`
	}

	// SearcherOption configures a DeepSearcher.
	SearcherOption func(*DeepSearcher)
)

// WithSearchIterations bounds the number of query refinements.
func WithSearchIterations(n int) SearcherOption {
	return func(s *DeepSearcher) { s.maxIterations = n }
}

// WithSearchResults bounds results fetched per query.
func WithSearchResults(n int) SearcherOption {
	return func(s *DeepSearcher) { s.maxResults = n }
}

// WithSearchLogger sets the logger. Nil keeps the noop default.
func WithSearchLogger(l telemetry.Logger) SearcherOption {
	return func(s *DeepSearcher) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewDeepSearcher constructs the search agent.
func NewDeepSearcher(store artifact.Store, search WebSearch, client model.Client, opts ...SearcherOption) *DeepSearcher {
	s := &DeepSearcher{
		store:         store,
		search:        search,
		client:        client,
		maxIterations: DefaultSearchIterations,
		maxResults:    DefaultSearchResults,
		logger:        telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

const searchGuidancePrompt = `You are assisting a financial analyst gathering context.
Based on the snippets below, either reply DONE if enough context is gathered,
or reply with a single refined search query (no commentary).`

// Run executes the search loop and stores the log. It returns the stored
// artifact UID.
func (s *DeepSearcher) Run(ctx context.Context, query string) (string, error) {
	log := SearchLog{InitialQuery: query}
	current := query

	for i := 1; i <= s.maxIterations; i++ {
		results, err := s.search.Search(ctx, current, s.maxResults)
		if err != nil {
			return "", fmt.Errorf("search %q: %w", current, err)
		}
		log.Steps = append(log.Steps, SearchStep{Iteration: i, Query: current, Results: results})
		for _, r := range results {
			if r.Snippet != "" {
				log.Snippets = append(log.Snippets, r.Snippet)
			}
			if r.URL != "" {
				log.Sources = append(log.Sources, r.URL)
			}
		}

		if i == s.maxIterations {
			break
		}
		guidance, err := s.client.Complete(ctx, model.Request{
			Messages: model.UserPrompt(searchGuidancePrompt, fmt.Sprintf(
				"Current query: %s\nSnippets:\n%s", current, strings.Join(tail(log.Snippets, 5), "\n"))),
		})
		if err != nil {
			return "", fmt.Errorf("search guidance: %w", err)
		}
		if strings.Contains(strings.ToUpper(guidance.Text), "DONE") {
			break
		}
		current = strings.TrimSpace(guidance.Text)
		s.logger.Debug(ctx, "search query refined", "iteration", i, "query", current)
	}

	payload, err := artifact.JSONPayload(log)
	if err != nil {
		return "", err
	}
	uid, err := s.store.Put(ctx, artifact.KindDocumentText, payload, "deep_search_agent", "search", "web")
	if err != nil {
		return "", err
	}
	s.logger.Info(ctx, "deep search stored", "uid", uid, "iterations", len(log.Steps))
	return uid, nil
}

func tail(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
