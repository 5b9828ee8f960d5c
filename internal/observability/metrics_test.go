package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"rostersync/internal/model"
)

func TestOutcome(t *testing.T) {
	ok := model.SyncReport{PerFeed: []model.FeedResult{{Stage: model.StageSucceeded, Attempted: 2, Succeeded: 2}}}
	require.Equal(t, OutcomeSucceeded, Outcome(ok, nil))
	require.Equal(t, OutcomeSucceeded, Outcome(model.SyncReport{}, nil))

	partial := model.SyncReport{PerFeed: []model.FeedResult{
		{Stage: model.StageSucceeded},
		{Stage: model.StageFetching, Err: errors.New("boom")},
	}}
	require.Equal(t, OutcomePartial, Outcome(partial, nil))

	eventLevel := model.SyncReport{PerFeed: []model.FeedResult{{
		Stage:     model.StageSucceeded,
		Attempted: 2,
		Succeeded: 1,
		Failures:  []model.EventFailure{{ExternalID: "x", Err: errors.New("bad")}},
	}}}
	require.Equal(t, OutcomePartial, Outcome(eventLevel, nil))

	require.Equal(t, OutcomeFailed, Outcome(model.SyncReport{}, errors.New("store down")))
	require.Equal(t, OutcomeCanceled, Outcome(model.SyncReport{}, fmt.Errorf("sync: %w", context.Canceled)))
}

func TestRecordFeedCounters(t *testing.T) {
	p := model.Provider("metrics-test")
	before := testutil.ToFloat64(shiftsUpsertedCounter.WithLabelValues(string(p)))

	RecordFeed(model.FeedResult{Provider: p, Stage: model.StageSucceeded, Attempted: 3, Succeeded: 2,
		Failures: []model.EventFailure{{ExternalID: "e3", Err: errors.New("bad")}}})
	RecordFeed(model.FeedResult{Provider: p, Stage: model.StageDecoding, Err: errors.New("malformed")})

	require.Equal(t, before+2, testutil.ToFloat64(shiftsUpsertedCounter.WithLabelValues(string(p))))
	require.Equal(t, 1.0, testutil.ToFloat64(eventFailureCounter.WithLabelValues(string(p))))
	require.Equal(t, 1.0, testutil.ToFloat64(feedFailureCounter.WithLabelValues(string(p), string(model.StageDecoding))))

	ObserveFetch(p, 120*time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(fetchDuration, "rostersync_fetch_duration_seconds"))
}

func TestRecordSync(t *testing.T) {
	before := testutil.ToFloat64(syncRunsCounter.WithLabelValues(OutcomeSucceeded))
	finished := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	RecordSync(model.SyncReport{FinishedAt: finished}, nil)
	require.Equal(t, before+1, testutil.ToFloat64(syncRunsCounter.WithLabelValues(OutcomeSucceeded)))
	require.Equal(t, float64(finished.Unix()), testutil.ToFloat64(lastSyncGauge))
}
