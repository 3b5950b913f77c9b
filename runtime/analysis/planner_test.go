package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/artifact/inmem"
	"github.com/finsight-ai/finsight/runtime/model"
)

// clientFunc adapts a function to model.Client for scripting test responses.
type clientFunc func(ctx context.Context, req model.Request) (model.Response, error)

func (f clientFunc) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	return f(ctx, req)
}

func seedEvidence(t *testing.T, store artifact.Store, n int) []string {
	t.Helper()
	uids := make([]string, 0, n)
	for range n {
		uid, err := store.Put(context.Background(), artifact.KindTimeSeries,
			[]byte(`{"rows":[]}`), "market_data_adapter", "market")
		require.NoError(t, err)
		uids = append(uids, uid)
	}
	return uids
}

func TestPlannerFiltersHallucinatedEvidence(t *testing.T) {
	store := inmem.New()
	uids := seedEvidence(t, store, 2)

	client := clientFunc(func(_ context.Context, _ model.Request) (model.Response, error) {
		return model.Response{Text: `{"perspectives": [
			{"id": "growth", "focus": "revenue", "input_uids": ["` + uids[0] + `", "made-up-uid"]},
			{"id": "risk", "focus": "leverage", "input_uids": ["` + uids[1] + `"]}
		]}`}, nil
	})

	specs, err := NewPlanner(store, client).Plan(context.Background(), "assess the company", uids)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, []string{uids[0]}, specs[0].InputUIDs)
	require.Equal(t, []string{uids[1]}, specs[1].InputUIDs)
}

func TestPlannerRepairsMalformedOutput(t *testing.T) {
	store := inmem.New()
	uids := seedEvidence(t, store, 1)

	calls := 0
	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		calls++
		if calls == 1 {
			return model.Response{Text: "Sure! Here is my plan in prose."}, nil
		}
		// The repair prompt must carry the validation error back.
		last := req.Messages[len(req.Messages)-1]
		require.Equal(t, model.RoleUser, last.Role)
		require.Contains(t, last.Content, "was not valid")
		return model.Response{Text: `{"perspectives": [
			{"id": "growth", "focus": "revenue", "input_uids": ["` + uids[0] + `"]}
		]}`}, nil
	})

	specs, err := NewPlanner(store, client).Plan(context.Background(), "assess", uids)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, specs, 1)
	require.Equal(t, "growth", specs[0].ID)
}

func TestPlannerGivesUpAfterOneRepair(t *testing.T) {
	store := inmem.New()
	uids := seedEvidence(t, store, 1)

	client := clientFunc(func(_ context.Context, _ model.Request) (model.Response, error) {
		return model.Response{Text: "still not JSON"}, nil
	})

	_, err := NewPlanner(store, client).Plan(context.Background(), "assess", uids)
	require.ErrorIs(t, err, model.ErrMalformedOutput)
}

func TestPlannerDescribesEvidenceToModel(t *testing.T) {
	store := inmem.New()
	uids := seedEvidence(t, store, 2)

	var prompt string
	client := clientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		prompt = req.Messages[len(req.Messages)-1].Content
		return model.Response{Text: `{"perspectives": [
			{"id": "growth", "focus": "revenue", "input_uids": []}
		]}`}, nil
	})

	_, err := NewPlanner(store, client).Plan(context.Background(), "assess", uids)
	require.NoError(t, err)
	for _, uid := range uids {
		require.Contains(t, prompt, uid)
	}
	require.Contains(t, prompt, "kind=time-series")
}
