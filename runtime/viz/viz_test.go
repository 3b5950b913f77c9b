package viz

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/artifact/inmem"
	"github.com/finsight-ai/finsight/runtime/codeexec"
	"github.com/finsight-ai/finsight/runtime/model"
)

type clientFunc func(ctx context.Context, req model.Request) (model.Response, error)

func (f clientFunc) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	return f(ctx, req)
}

func isRender(req model.Request) bool {
	return strings.Contains(req.Messages[0].Content, "Starlark")
}

const goodFragment = `store_artifact("chart-spec", {"title": "Revenue, FY22-FY24", "chart_type": "line"}, tags=["chart"])`

func seedData(t *testing.T, store artifact.Store) string {
	t.Helper()
	uid, err := store.Put(context.Background(), artifact.KindTimeSeries,
		[]byte(`{"rows": [[1, 10], [2, 20]]}`), "market_data_adapter", "market")
	require.NoError(t, err)
	return uid
}

func TestParseVerdictApproved(t *testing.T) {
	v := ParseVerdict("APPROVED")
	require.True(t, v.Approved)
	require.Empty(t, v.Issues)
	require.Equal(t, 1.0, v.score())

	require.True(t, ParseVerdict("  approved, ship it").Approved)
}

func TestParseVerdictIssues(t *testing.T) {
	v := ParseVerdict("REVISE\nTITLE: too vague\nLEGEND: missing\ntitle: repeated category\nsomething unstructured")
	require.False(t, v.Approved)
	require.Equal(t, []string{IssueTitle, IssueLegend}, v.Issues)
	require.InDelta(t, 0.6, v.score(), 1e-9)
}

func TestParseVerdictReviseWithoutCategories(t *testing.T) {
	v := ParseVerdict("REVISE\nit just looks wrong")
	require.False(t, v.Approved)
	require.Empty(t, v.Issues)
	require.InDelta(t, 0.8, v.score(), 1e-9)
}

func TestReviseHeuristics(t *testing.T) {
	spec := Spec{ID: "c", Palette: "default"}
	next := Revise(spec, "REVISE\nTITLE: vague\nAXIS: unlabeled\nCOLOR: clashing\nANNOT: bare\nLEGEND: missing")

	require.True(t, next.ShowLegend)
	require.Equal(t, "muted", next.Palette)
	require.Len(t, next.Directives, 3)

	// The prior spec is untouched.
	require.False(t, spec.ShowLegend)
	require.Equal(t, "default", spec.Palette)
	require.Empty(t, spec.Directives)
}

func TestNextPaletteCycles(t *testing.T) {
	require.Equal(t, "muted", nextPalette("default"))
	require.Equal(t, "default", nextPalette("high-contrast"))
	require.Equal(t, "default", nextPalette("unknown"))
}

func TestProduceStopsOnApproval(t *testing.T) {
	store := inmem.New()
	dataUID := seedData(t, store)
	engine := codeexec.New(store)

	var critiques atomic.Int32
	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if isRender(req) {
			return model.Response{Text: `{"code": ` + quote(goodFragment) + `}`}, nil
		}
		if critiques.Add(1) == 1 {
			return model.Response{Text: "REVISE\nTITLE: too vague\nLEGEND: missing"}, nil
		}
		return model.Response{Text: "APPROVED"}, nil
	})

	v := New(store, engine, client)
	chart, err := v.Produce(context.Background(), Spec{ID: "rev", Title: "Revenue", ChartType: "line", DataUID: dataUID})
	require.NoError(t, err)
	require.Equal(t, 2, chart.Iterations)
	require.Equal(t, 1.0, chart.Score)

	// The winning spec carries the folded-in revisions.
	require.True(t, chart.Spec.ShowLegend)
	require.NotEmpty(t, chart.Spec.Directives)

	a, err := store.Get(context.Background(), chart.SpecUID)
	require.NoError(t, err)
	require.Equal(t, artifact.KindChartSpec, a.Kind)
}

func TestProduceKeepsBestNotLast(t *testing.T) {
	store := inmem.New()
	dataUID := seedData(t, store)
	engine := codeexec.New(store)

	var critiques atomic.Int32
	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if isRender(req) {
			return model.Response{Text: `{"code": ` + quote(goodFragment) + `}`}, nil
		}
		if critiques.Add(1) == 1 {
			return model.Response{Text: "REVISE\nTITLE: vague"}, nil // 0.8
		}
		return model.Response{Text: "REVISE\nTITLE: vague\nAXIS: bare\nCOLOR: harsh"}, nil // 0.4
	})

	v := New(store, engine, client, WithScoreThreshold(0.95), WithMaxIterations(2))
	chart, err := v.Produce(context.Background(), Spec{ID: "best", ChartType: "bar", DataUID: dataUID})
	require.NoError(t, err)
	require.Equal(t, 2, chart.Iterations)
	require.InDelta(t, 0.8, chart.Score, 1e-9)
	require.Empty(t, chart.Spec.Directives) // the first spec, before any revision
}

func TestProduceRepairsBrokenFragment(t *testing.T) {
	store := inmem.New()
	dataUID := seedData(t, store)
	engine := codeexec.New(store)

	var renders atomic.Int32
	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if isRender(req) {
			if renders.Add(1) == 1 {
				return model.Response{Text: `{"code": "fail(\"bad plot\")"}`}, nil
			}
			require.Contains(t, lastUserContent(req), "bad plot")
			return model.Response{Text: `{"code": ` + quote(goodFragment) + `}`}, nil
		}
		return model.Response{Text: "APPROVED"}, nil
	})

	v := New(store, engine, client)
	chart, err := v.Produce(context.Background(), Spec{ID: "fix", ChartType: "line", DataUID: dataUID})
	require.NoError(t, err)
	require.Equal(t, 1, chart.Iterations)
	require.Equal(t, int32(2), renders.Load())
}

func TestProduceSendsGoalToCritic(t *testing.T) {
	store := inmem.New()
	dataUID := seedData(t, store)
	engine := codeexec.New(store)

	const chartGoal = "show the margin inflection in 2024"
	var sawGoal atomic.Bool
	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if isRender(req) {
			require.Contains(t, lastUserContent(req), chartGoal)
			return model.Response{Text: `{"code": ` + quote(goodFragment) + `}`}, nil
		}
		if strings.Contains(lastUserContent(req), chartGoal) {
			sawGoal.Store(true)
		}
		return model.Response{Text: "APPROVED"}, nil
	})

	v := New(store, engine, client)
	_, err := v.Produce(context.Background(), Spec{ID: "margin", ChartType: "line", DataUID: dataUID, Goal: chartGoal})
	require.NoError(t, err)
	require.True(t, sawGoal.Load())
}

func TestProducePersistsIterationRecords(t *testing.T) {
	store := inmem.New()
	dataUID := seedData(t, store)
	engine := codeexec.New(store)

	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if isRender(req) {
			return model.Response{Text: `{"code": ` + quote(goodFragment) + `}`}, nil
		}
		return model.Response{Text: "APPROVED"}, nil
	})

	v := New(store, engine, client)
	_, err := v.Produce(context.Background(), Spec{ID: "audit", ChartType: "line", DataUID: dataUID})
	require.NoError(t, err)

	var records int
	for range store.Query(context.Background(), artifact.Filter{Tags: []string{"session:viz:audit"}}) {
		records++
	}
	require.Equal(t, 1, records)
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func lastUserContent(req model.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == model.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
