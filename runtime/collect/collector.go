package collect

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/telemetry"
)

// DefaultHistoryPeriod is the stock history window fetched when the request
// does not specify one.
const DefaultHistoryPeriod = "2y"

type (
	// Collector gathers heterogeneous evidence (prices, macro series, filing
	// text) and stores each dataset as a tagged artifact. Independent fetches
	// run concurrently; a failure on any source fails the collection so the
	// orchestrator can retry the stage as a unit.
	Collector struct {
		store   artifact.Store
		market  MarketData
		macro   MacroData
		filings FilingData
		logger  telemetry.Logger
	}

	// CollectorRequest names the company and the datasets to gather.
	CollectorRequest struct {
		CompanyName string
		Ticker      string
		// MacroSeriesIDs maps a human label (e.g. "cpi") to the provider
		// series ID (e.g. "CPIAUCSL").
		MacroSeriesIDs map[string]string
		// HistoryPeriod is the stock history window; empty selects
		// DefaultHistoryPeriod.
		HistoryPeriod string
	}

	// Evidence lists the stored raw-evidence artifact UIDs.
	Evidence struct {
		StockHistoryUID string
		// MacroUIDs is keyed by the request's macro labels.
		MacroUIDs map[string]string
		FilingUID string
	}

	stockPayload struct {
		Ticker string     `json:"ticker"`
		Period string     `json:"period"`
		Bars   []PriceBar `json:"bars"`
	}

	macroPayload struct {
		Label        string        `json:"label"`
		SeriesID     string        `json:"series_id"`
		Observations []Observation `json:"observations"`
	}
)

// NewCollector constructs a collection agent over the given adapters. A nil
// logger defaults to noop.
func NewCollector(store artifact.Store, market MarketData, macro MacroData, filings FilingData, logger telemetry.Logger) *Collector {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Collector{store: store, market: market, macro: macro, filings: filings, logger: logger}
}

// Run fetches all requested datasets concurrently and stores them. The
// returned Evidence holds only UIDs; payloads live in the store.
func (c *Collector) Run(ctx context.Context, req CollectorRequest) (Evidence, error) {
	period := req.HistoryPeriod
	if period == "" {
		period = DefaultHistoryPeriod
	}

	var ev Evidence
	macroUIDs := make(map[string]string, len(req.MacroSeriesIDs))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		bars, err := c.market.StockHistory(gctx, req.Ticker, period)
		if err != nil {
			return fmt.Errorf("stock history %s: %w", req.Ticker, err)
		}
		payload, err := artifact.JSONPayload(stockPayload{Ticker: req.Ticker, Period: period, Bars: bars})
		if err != nil {
			return err
		}
		uid, err := c.store.Put(gctx, artifact.KindTimeSeries, payload, "market_data_adapter",
			"market", "price", req.Ticker)
		if err != nil {
			return err
		}
		ev.StockHistoryUID = uid
		return nil
	})

	// Deterministic label order keeps artifact insertion order stable within
	// the macro group for equal inputs.
	labels := make([]string, 0, len(req.MacroSeriesIDs))
	for label := range req.MacroSeriesIDs {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	results := make([]string, len(labels))
	for i, label := range labels {
		g.Go(func() error {
			seriesID := req.MacroSeriesIDs[label]
			obs, err := c.macro.Series(gctx, seriesID)
			if err != nil {
				return fmt.Errorf("macro series %s: %w", seriesID, err)
			}
			payload, err := artifact.JSONPayload(macroPayload{Label: label, SeriesID: seriesID, Observations: obs})
			if err != nil {
				return err
			}
			uid, err := c.store.Put(gctx, artifact.KindTimeSeries, payload, "macro_data_adapter",
				"macro", "series:"+seriesID)
			if err != nil {
				return err
			}
			results[i] = uid
			return nil
		})
	}

	g.Go(func() error {
		text, err := c.filings.LatestAnnualReport(gctx, req.Ticker)
		if err != nil {
			return fmt.Errorf("filing %s: %w", req.Ticker, err)
		}
		uid, err := c.store.Put(gctx, artifact.KindDocumentText, []byte(text), "filing_adapter",
			"sec", "filing", req.Ticker)
		if err != nil {
			return err
		}
		ev.FilingUID = uid
		return nil
	})

	if err := g.Wait(); err != nil {
		return Evidence{}, err
	}
	for i, label := range labels {
		macroUIDs[label] = results[i]
	}
	ev.MacroUIDs = macroUIDs
	c.logger.Info(ctx, "evidence collected",
		"ticker", req.Ticker, "macro_series", len(macroUIDs))
	return ev, nil
}

// UIDs flattens the evidence into the list of all stored artifact UIDs.
func (e Evidence) UIDs() []string {
	out := make([]string, 0, 2+len(e.MacroUIDs))
	if e.StockHistoryUID != "" {
		out = append(out, e.StockHistoryUID)
	}
	labels := make([]string, 0, len(e.MacroUIDs))
	for label := range e.MacroUIDs {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		out = append(out, e.MacroUIDs[label])
	}
	if e.FilingUID != "" {
		out = append(out, e.FilingUID)
	}
	return out
}
