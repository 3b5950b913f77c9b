package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/finsight-ai/finsight/runtime/collect"
)

// fileAdapters serves collection requests from local files, making runs
// reproducible and offline. Price history and macro series are JSON arrays of
// the collect payload shapes; the filing is plain text.
type fileAdapters struct {
	bars   []collect.PriceBar
	macro  map[string][]collect.Observation // keyed by series ID
	filing string
}

func loadAdapters(pricesPath, filingPath string, macroFlags []string) (*fileAdapters, map[string]string, error) {
	a := &fileAdapters{macro: make(map[string][]collect.Observation)}

	if err := readJSON(pricesPath, &a.bars); err != nil {
		return nil, nil, fmt.Errorf("prices: %w", err)
	}
	filing, err := os.ReadFile(filingPath)
	if err != nil {
		return nil, nil, fmt.Errorf("filing: %w", err)
	}
	a.filing = string(filing)

	series := make(map[string]string, len(macroFlags))
	for _, flag := range macroFlags {
		label, seriesID, path, err := parseMacroFlag(flag)
		if err != nil {
			return nil, nil, err
		}
		var obs []collect.Observation
		if err := readJSON(path, &obs); err != nil {
			return nil, nil, fmt.Errorf("macro %s: %w", label, err)
		}
		a.macro[seriesID] = obs
		series[label] = seriesID
	}
	return a, series, nil
}

func (a *fileAdapters) StockHistory(_ context.Context, _, _ string) ([]collect.PriceBar, error) {
	return a.bars, nil
}

func (a *fileAdapters) Series(_ context.Context, seriesID string) ([]collect.Observation, error) {
	obs, ok := a.macro[seriesID]
	if !ok {
		return nil, fmt.Errorf("%w: no data for series %s", collect.ErrSourceUnavailable, seriesID)
	}
	return obs, nil
}

func (a *fileAdapters) LatestAnnualReport(_ context.Context, _ string) (string, error) {
	return a.filing, nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func writeFile(path, text string) error {
	return os.WriteFile(path, []byte(text), 0o644)
}
