// Package collect defines the narrow contracts for the external data
// adapters the pipeline consumes (market prices, macro series, filings, web
// search) and the agents that drive them: a multi-source collector that
// stores raw evidence artifacts and an iterative deep-search agent. The
// runtime never inspects adapter internals; everything an adapter fetches
// becomes visible to later stages only once stored in the artifact store.
package collect

import "context"

type (
	// PriceBar is one row of daily stock history.
	PriceBar struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	}

	// Observation is one point of a macroeconomic series.
	Observation struct {
		Date  string  `json:"date"`
		Value float64 `json:"value"`
	}

	// SearchResult is one hit returned by a web search adapter.
	SearchResult struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		URL     string `json:"url"`
	}

	// MarketData fetches historical prices. Implementations wrap market data
	// vendors; transient vendor failures are reported as ErrSourceUnavailable.
	MarketData interface {
		StockHistory(ctx context.Context, ticker, period string) ([]PriceBar, error)
	}

	// MacroData fetches macroeconomic series by provider series ID.
	MacroData interface {
		Series(ctx context.Context, seriesID string) ([]Observation, error)
	}

	// FilingData fetches regulatory filing text.
	FilingData interface {
		LatestAnnualReport(ctx context.Context, ticker string) (string, error)
	}

	// WebSearch runs a text/news search and returns ranked results.
	WebSearch interface {
		Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
	}
)

// sourceError marks adapter failures as transient so the orchestrator retries
// them with backoff.
type sourceError string

func (e sourceError) Error() string   { return string(e) }
func (e sourceError) Transient() bool { return true }

// ErrSourceUnavailable indicates a data source could not be reached or
// answered with a transient failure. Retried with backoff up to the
// configured bound.
var ErrSourceUnavailable error = sourceError("collect: source unavailable")
