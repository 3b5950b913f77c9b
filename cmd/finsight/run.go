package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/finsight-ai/finsight/features/model/anthropic"
	"github.com/finsight-ai/finsight/features/model/middleware"
	"github.com/finsight-ai/finsight/features/model/openai"
	"github.com/finsight-ai/finsight/runtime/analysis"
	"github.com/finsight-ai/finsight/runtime/artifact/inmem"
	"github.com/finsight-ai/finsight/runtime/codeexec"
	"github.com/finsight-ai/finsight/runtime/collect"
	"github.com/finsight-ai/finsight/runtime/config"
	"github.com/finsight-ai/finsight/runtime/model"
	"github.com/finsight-ai/finsight/runtime/pipeline"
	"github.com/finsight-ai/finsight/runtime/retry"
	"github.com/finsight-ai/finsight/runtime/telemetry"
	"github.com/finsight-ai/finsight/runtime/viz"
	"github.com/finsight-ai/finsight/runtime/writing"
)

var (
	company    string
	ticker     string
	goal       string
	pricesFile string
	filingFile string
	macroFiles []string
	chartTitle string
	memoOut    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one research session and write the memo",
	Long: `run executes the full pipeline against file-backed evidence: price
history and macro series as JSON, the filing as plain text. The memo is
printed to stdout or written to --out.`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&company, "company", "", "company name")
	runCmd.Flags().StringVar(&ticker, "ticker", "", "stock ticker")
	runCmd.Flags().StringVar(&goal, "goal", "", "analysis goal")
	runCmd.Flags().StringVar(&pricesFile, "prices", "", "price history JSON file")
	runCmd.Flags().StringVar(&filingFile, "filing", "", "annual report text file")
	runCmd.Flags().StringArrayVar(&macroFiles, "macro", nil, "macro series as label=seriesID:file.json (repeatable)")
	runCmd.Flags().StringVar(&chartTitle, "chart", "", "title of the price chart to produce (empty skips charts)")
	runCmd.Flags().StringVar(&memoOut, "out", "", "memo output file (default stdout)")
	for _, f := range []string{"company", "ticker", "goal", "prices", "filing"} {
		cobra.CheckErr(runCmd.MarkFlagRequired(f))
	}
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if verbose {
		ctx = log.Context(ctx, log.WithDebug())
	} else {
		ctx = log.Context(ctx)
	}
	logger := telemetry.NewClueLogger()

	client, err := buildModelClient(cfg)
	if err != nil {
		return err
	}

	adapters, macroSeries, err := loadAdapters(pricesFile, filingFile, macroFiles)
	if err != nil {
		return err
	}

	store := inmem.New()
	engine := codeexec.New(store,
		codeexec.WithTimeout(cfg.Exec.Timeout),
		codeexec.WithMaxSteps(cfg.Exec.MaxSteps),
		codeexec.WithLogger(logger),
	)

	var visualizer *viz.Visualizer
	var charts []viz.Spec
	if chartTitle != "" {
		visualizer = viz.New(store, engine, client,
			viz.WithMaxIterations(cfg.Viz.MaxIterations),
			viz.WithScoreThreshold(cfg.Viz.ScoreThreshold),
			viz.WithLogger(logger),
		)
		charts = []viz.Spec{{ID: "price-history", Title: chartTitle, ChartType: "line"}}
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Pipeline.RetryAttempts

	p := pipeline.New(
		store,
		collect.NewCollector(store, adapters, adapters, adapters, logger),
		nil, // deep search needs a web adapter; file-backed runs skip it
		analysis.NewPlanner(store, client),
		analysis.NewExecutor(store, engine, client, analysis.WithLogger(logger)),
		visualizer,
		writing.New(store, client, writing.WithLogger(logger)),
		pipeline.WithStageTimeout(cfg.Pipeline.StageTimeout),
		pipeline.WithRetryConfig(retryCfg),
		pipeline.WithFailurePolicy(pipeline.FailurePolicy(cfg.Pipeline.FailurePolicy)),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(telemetry.NewOtelMetrics()),
		pipeline.WithTracer(telemetry.NewOtelTracer()),
	)

	start := time.Now()
	res, err := p.Run(ctx, pipeline.Request{
		CompanyName:    company,
		Ticker:         ticker,
		AnalysisGoal:   goal,
		MacroSeriesIDs: macroSeries,
		Charts:         charts,
	})
	if err != nil {
		return fmt.Errorf("run failed in state %s: %w", res.State, err)
	}

	if err := writeMemo(res.Memo.Text, memoOut); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "done in %s: %d artifacts, memo %s\n",
		time.Since(start).Round(time.Millisecond), len(res.Snapshot.Artifacts), res.Memo.UID)
	for stage, status := range res.Stages {
		if status != pipeline.StageOK {
			fmt.Fprintf(cmd.ErrOrStderr(), "stage %s: %s\n", stage, status)
		}
	}
	return nil
}

func buildModelClient(cfg config.Config) (model.Client, error) {
	var (
		client model.Client
		err    error
	)
	switch cfg.Model.Provider {
	case config.ProviderAnthropic:
		client, err = anthropic.NewFromAPIKey(cfg.Model.APIKey, cfg.Model.Name)
	case config.ProviderOpenAI:
		client, err = openai.NewFromAPIKey(cfg.Model.APIKey, cfg.Model.Name)
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Model.Provider)
	}
	if err != nil {
		return nil, err
	}
	if tpm := cfg.Model.RateLimitTPM; tpm > 0 {
		client = middleware.NewAdaptiveRateLimiter(tpm, tpm*2).Middleware(client)
	}
	return client, nil
}

func writeMemo(text, path string) error {
	if path == "" {
		fmt.Println(text)
		return nil
	}
	return writeFile(path, text)
}

// parseMacroFlag splits "label=seriesID:file.json".
func parseMacroFlag(s string) (label, seriesID, path string, err error) {
	label, rest, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", "", fmt.Errorf("macro flag %q: want label=seriesID:file", s)
	}
	seriesID, path, ok = strings.Cut(rest, ":")
	if !ok || label == "" || seriesID == "" || path == "" {
		return "", "", "", fmt.Errorf("macro flag %q: want label=seriesID:file", s)
	}
	return label, seriesID, path, nil
}
