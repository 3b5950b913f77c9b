package analysis

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/artifact/inmem"
	"github.com/finsight-ai/finsight/runtime/cite"
	"github.com/finsight-ai/finsight/runtime/codeexec"
	"github.com/finsight-ai/finsight/runtime/model"
)

func codegenResp(t *testing.T, code string) model.Response {
	t.Helper()
	b, err := json.Marshal(map[string]string{"code": code})
	require.NoError(t, err)
	return model.Response{Text: string(b)}
}

func isCodegen(req model.Request) bool {
	return strings.Contains(req.Messages[0].Content, "Starlark")
}

func lastUser(req model.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == model.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func TestExecutorHappyPath(t *testing.T) {
	store := inmem.New()
	uids := seedEvidence(t, store, 1)
	engine := codeexec.New(store)

	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if isCodegen(req) {
			return codegenResp(t, `store_artifact("code-result", {"cagr": 0.12}, tags=["calc"])`), nil
		}
		return model.Response{Text: "Revenue compounds at 12% " + cite.Marker(uids[0]) + "."}, nil
	})

	ex := NewExecutor(store, engine, client)
	g, err := BuildGraph([]Spec{{ID: "growth", Focus: "revenue", InputUIDs: uids}})
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), g, "assess the company")
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.Equal(t, []string{"growth"}, res.Order)

	p := res.Perspectives["growth"]
	require.Equal(t, StatusDone, p.Status)
	require.False(t, p.Degraded)
	require.Contains(t, p.Narrative, cite.Marker(uids[0]))
	require.Len(t, p.OutputUIDs, 2) // code result plus narrative note
	require.NotEmpty(t, p.NarrativeUID)

	note, err := store.Get(context.Background(), p.NarrativeUID)
	require.NoError(t, err)
	require.Equal(t, artifact.KindAnalysisNote, note.Kind)

	require.NotEmpty(t, res.ChainUID)
	chain, err := store.Get(context.Background(), res.ChainUID)
	require.NoError(t, err)
	require.Contains(t, string(chain.Payload), "assess the company")
	require.Contains(t, string(chain.Payload), "growth")
}

func TestExecutorRepairsBrokenCode(t *testing.T) {
	store := inmem.New()
	uids := seedEvidence(t, store, 1)
	engine := codeexec.New(store)

	var codegenCalls atomic.Int32
	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if isCodegen(req) {
			if codegenCalls.Add(1) == 1 {
				return codegenResp(t, `fail("division blew up")`), nil
			}
			// The repair prompt must surface the runtime error verbatim.
			require.Contains(t, lastUser(req), "division blew up")
			return codegenResp(t, `store_artifact("code-result", {"ok": True}, tags=[])`), nil
		}
		return model.Response{Text: "Fixed on the second try " + cite.Marker(uids[0]) + "."}, nil
	})

	ex := NewExecutor(store, engine, client)
	g, err := BuildGraph([]Spec{{ID: "risk", Focus: "leverage", InputUIDs: uids}})
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), g, "assess")
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Perspectives["risk"].Status)
	require.Equal(t, int32(2), codegenCalls.Load())
}

func TestExecutorFailsAfterRepairBudget(t *testing.T) {
	store := inmem.New()
	uids := seedEvidence(t, store, 1)
	engine := codeexec.New(store)

	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		require.True(t, isCodegen(req))
		return codegenResp(t, `fail("always broken")`), nil
	})

	ex := NewExecutor(store, engine, client, WithRepairAttempts(2))
	g, err := BuildGraph([]Spec{{ID: "risk", Focus: "leverage", InputUIDs: uids}})
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), g, "assess")
	require.NoError(t, err)
	p := res.Perspectives["risk"]
	require.Equal(t, StatusFailed, p.Status)
	require.Contains(t, p.FailureReason, "always broken")
	require.Equal(t, []string{"risk"}, res.Failed)

	// The final attempt preserves the failure trace as an error record.
	var records int
	for a := range store.Query(context.Background(), artifact.Filter{Kind: artifact.KindErrorRecord}) {
		_ = a
		records++
	}
	require.Equal(t, 1, records)
}

func TestExecutorStripsPersistentBadCitations(t *testing.T) {
	store := inmem.New()
	uids := seedEvidence(t, store, 1)
	engine := codeexec.New(store)

	var narrativeCalls atomic.Int32
	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if isCodegen(req) {
			return codegenResp(t, `store_artifact("code-result", {"v": 1}, tags=[])`), nil
		}
		n := narrativeCalls.Add(1)
		if n == 1 {
			return model.Response{Text: "Claim " + cite.Marker(uids[0]) + " and bogus " + cite.Marker("made-up") + "."}, nil
		}
		// The rewrite must name the offending UID.
		require.Contains(t, lastUser(req), "made-up")
		return model.Response{Text: "Still citing " + cite.Marker("made-up") + " and " + cite.Marker(uids[0]) + "."}, nil
	})

	ex := NewExecutor(store, engine, client)
	g, err := BuildGraph([]Spec{{ID: "growth", Focus: "revenue", InputUIDs: uids}})
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), g, "assess")
	require.NoError(t, err)
	p := res.Perspectives["growth"]
	require.Equal(t, StatusDone, p.Status)
	require.Equal(t, int32(2), narrativeCalls.Load())
	require.NotContains(t, p.Narrative, "made-up")
	require.Contains(t, p.Narrative, cite.Marker(uids[0]))
}

func TestExecutorDependencyPolicies(t *testing.T) {
	setup := func(t *testing.T, policy DependencyPolicy) (*Result, artifact.Store) {
		store := inmem.New()
		uids := seedEvidence(t, store, 1)
		engine := codeexec.New(store)

		client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
			if isCodegen(req) {
				if strings.Contains(lastUser(req), "alpha focus") {
					return codegenResp(t, `fail("alpha is broken")`), nil
				}
				return codegenResp(t, `store_artifact("code-result", {"v": 2}, tags=[])`), nil
			}
			return model.Response{Text: "Downstream view " + cite.Marker(uids[0]) + "."}, nil
		})

		ex := NewExecutor(store, engine, client,
			WithRepairAttempts(1), WithDependencyPolicy(policy))
		g, err := BuildGraph([]Spec{
			{ID: "alpha", Focus: "alpha focus", InputUIDs: uids},
			{ID: "beta", Focus: "beta focus", InputUIDs: uids, DependsOn: []string{"alpha"}},
		})
		require.NoError(t, err)

		res, err := ex.Execute(context.Background(), g, "assess")
		require.NoError(t, err)
		require.Equal(t, StatusFailed, res.Perspectives["alpha"].Status)
		return res, store
	}

	t.Run("fail", func(t *testing.T) {
		res, _ := setup(t, PolicyFail)
		beta := res.Perspectives["beta"]
		require.Equal(t, StatusFailed, beta.Status)
		require.Contains(t, beta.FailureReason, "dependency alpha failed")
		require.ElementsMatch(t, []string{"alpha", "beta"}, res.Failed)
	})

	t.Run("degrade", func(t *testing.T) {
		res, store := setup(t, PolicyDegrade)
		beta := res.Perspectives["beta"]
		require.Equal(t, StatusDone, beta.Status)
		require.True(t, beta.Degraded)
		require.Equal(t, []string{"alpha"}, res.Failed)

		// A stored placeholder stands in for the failed dependency's outputs.
		var placeholder bool
		for _, uid := range beta.InputUIDs {
			a, err := store.Get(context.Background(), uid)
			require.NoError(t, err)
			for _, tag := range a.Tags {
				if tag == "placeholder" {
					placeholder = true
				}
			}
		}
		require.True(t, placeholder)
	})
}

func TestExecutorRunsIndependentPerspectivesWithinLevel(t *testing.T) {
	store := inmem.New()
	uids := seedEvidence(t, store, 1)
	engine := codeexec.New(store)

	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if isCodegen(req) {
			return codegenResp(t, `store_artifact("code-result", {"v": 3}, tags=[])`), nil
		}
		return model.Response{Text: "View " + cite.Marker(uids[0]) + "."}, nil
	})

	ex := NewExecutor(store, engine, client, WithMaxConcurrent(2))
	g, err := BuildGraph([]Spec{
		{ID: "p1", Focus: "one", InputUIDs: uids},
		{ID: "p2", Focus: "two", InputUIDs: uids},
		{ID: "p3", Focus: "three", InputUIDs: uids},
	})
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), g, "assess")
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.ElementsMatch(t, []string{"p1", "p2", "p3"}, res.Order)
}
