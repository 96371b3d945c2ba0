package settlement_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/offers"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/settlement"
)

// deferred accepts o with every commit attempt failing, leaving a marker.
func (m *market) deferred(t *testing.T, o *offers.Offer) {
	t.Helper()
	m.flaky.failCommits.Store(int32(testConfig().CommitAttempts))
	res, err := m.offers.Accept(context.Background(), o.ID, seller)
	require.NoError(t, err)
	require.True(t, res.Pending)
}

func TestSweeper_FlagsOverdueMarkers(t *testing.T) {
	ctx := context.Background()
	m := newMarket(t)
	o := m.offer(t, buyer, 500)
	m.deferred(t, o)

	m.flaky.failCommits.Store(1000)
	later := issuedAt.AddDate(0, 0, 74)
	sw := settlement.NewSweeper(m.coord, time.Minute, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return later })

	rep, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, settlement.Report{Failed: 1, Pending: 1, Overdue: 1}, *rep)

	recs, err := sw.Pending(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Attempts)
	assert.Equal(t, "connection reset by peer", recs[0].LastError)
	assert.Nil(t, recs[0].ResolvedAt)
	assert.Equal(t, offers.StatusPending, m.offerStatus(t, o.ID))
}

func TestSweeper_PermanentFailureWaitsForOperator(t *testing.T) {
	ctx := context.Background()
	m := newMarket(t)
	o1 := m.offer(t, buyer, 500)
	o2 := m.offer(t, other, 300)
	m.deferred(t, o1)

	m.flaky.rejectCommits.Store(true)
	rep, err := m.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, settlement.Report{Failed: 1, Stuck: 1}, *rep)

	recs, err := m.sweeper.Pending(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	require.NotNil(t, rec.FailedAt)
	assert.Contains(t, rec.LastError, "inventory changed")
	assert.Equal(t, 2, rec.Attempts)

	// later sweeps leave it alone and the listing stays blocked
	rep, err = m.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, settlement.Report{Stuck: 1}, *rep)
	_, err = m.offers.Reject(ctx, o2.ID, other)
	assert.ErrorIs(t, err, settlement.ErrListingBlocked)

	m.flaky.rejectCommits.Store(false)
	retried, err := m.sweeper.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, retried.FailedAt)

	rep, err = m.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, settlement.Report{Resolved: 1}, *rep)
	m.assertSettled(t, o1, o2)

	_, err = m.sweeper.Retry(ctx, rec.ID)
	assert.ErrorIs(t, err, settlement.ErrReconciliationResolved)
}

func TestSweeper_LoopResolvesAndStops(t *testing.T) {
	m := newMarket(t)
	o1 := m.offer(t, buyer, 500)
	o2 := m.offer(t, other, 300)
	m.deferred(t, o1)

	sw := settlement.NewSweeper(m.coord, 10*time.Millisecond, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return m.offerStatus(t, o1.ID) == offers.StatusAccepted
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sw.Running())
	m.assertSettled(t, o1, o2)

	sw.Stop()
	sw.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, sw.Running())
}

func TestHandler_ReconciliationRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newMarket(t)
	o := m.offer(t, buyer, 500)
	m.deferred(t, o)

	r := gin.New()
	settlement.NewHandler(m.sweeper).RegisterAdminRoutes(r.Group("/v1/admin"))
	call := func(method, path string) (int, map[string]any) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		var out map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
		return w.Code, out
	}

	code, body := call(http.MethodGet, "/v1/admin/reconciliations")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	rec := body["reconciliations"].([]any)[0].(map[string]any)
	assert.Equal(t, o.ID, rec["offerId"])
	assert.Equal(t, "50.0", rec["units"])

	code, body = call(http.MethodPost, "/v1/admin/reconciliations/sweep")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["report"].(map[string]any)["resolved"])

	code, body = call(http.MethodGet, "/v1/admin/reconciliations")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])

	code, body = call(http.MethodGet, "/v1/admin/reconciliations?all=true")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, _ = call(http.MethodPost, "/v1/admin/reconciliations/"+rec["id"].(string)+"/retry")
	assert.Equal(t, http.StatusConflict, code, "already resolved")
	code, body = call(http.MethodPost, "/v1/admin/reconciliations/rec_missing/retry")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])
}
