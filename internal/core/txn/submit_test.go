package txn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replisync/replisync/internal/auth"
	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/internal/core/record"
	"github.com/replisync/replisync/pkg/clock"
)

func TestSubmitClassifiesResponses(t *testing.T) {
	var gotAuth atomic.Value
	var status atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		var tx Transaction
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tx))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	s := NewSubmitter(SubmitterConfig{SubmitURL: srv.URL}, auth.Static("secret"), log.NewNop())
	tx := testTx(clock.NewFake(time.Unix(0, 0)), "tasks", "1")

	status.Store(http.StatusOK)
	got, err := s.Submit(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got)
	assert.Equal(t, "Bearer secret", gotAuth.Load())

	status.Store(http.StatusConflict)
	got, err = s.Submit(context.Background(), tx)
	require.NoError(t, err, "a definitive rejection is an outcome, not an error")
	assert.Equal(t, StatusRejected, got)
}

func TestSubmitUnreachableServer(t *testing.T) {
	s := NewSubmitter(SubmitterConfig{
		SubmitURL:      "http://127.0.0.1:1/transactions",
		RequestTimeout: 500 * time.Millisecond,
	}, nil, log.NewNop())

	got, err := s.Submit(context.Background(), testTx(clock.NewFake(time.Unix(0, 0)), "tasks", "1"))
	require.Error(t, err)
	assert.Equal(t, StatusUnreachable, got)
}

func TestFetchRecordsDecodesMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req fetchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Pointers, 2)

		m := record.Map{}
		for _, p := range req.Pointers {
			m.Add(p.Table, record.Record{ID: p.ID, Version: 7})
		}
		_ = json.NewEncoder(w).Encode(fetchResponse{Records: m})
	}))
	defer srv.Close()

	s := NewSubmitter(SubmitterConfig{FetchURL: srv.URL}, nil, log.NewNop())
	got, err := s.FetchRecords(context.Background(), []record.Pointer{
		{Table: "tasks", ID: "1"},
		{Table: "users", ID: "9"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())
	rec, ok := got.Get(record.Pointer{Table: "tasks", ID: "1"})
	require.True(t, ok)
	assert.Equal(t, int64(7), rec.Version)
}

func TestFetchRecordsCollapsesConcurrentRequests(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(fetchResponse{Records: record.Map{}})
	}))
	defer srv.Close()

	s := NewSubmitter(SubmitterConfig{FetchURL: srv.URL}, nil, log.NewNop())
	pointers := []record.Pointer{{Table: "tasks", ID: "1"}}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.FetchRecords(context.Background(), pointers)
			assert.NoError(t, err)
		}()
	}
	// Let all five goroutines pile up behind the in-flight request.
	require.Eventually(t, func() bool { return calls.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "identical concurrent fetches share one request")
}

func TestFetchRecordsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSubmitter(SubmitterConfig{FetchURL: srv.URL}, nil, log.NewNop())
	_, err := s.FetchRecords(context.Background(), []record.Pointer{{Table: "tasks", ID: "1"}})
	assert.Error(t, err)
}

func TestExpiredTokenBlocksSubmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the server without a valid token")
	}))
	defer srv.Close()

	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	// exp claim in the past relative to the fake clock.
	raw := makeJWT(t, time.Unix(1_600_000_000, 0))
	tokens, err := auth.NewJWT(raw, fake)
	require.NoError(t, err)

	s := NewSubmitter(SubmitterConfig{SubmitURL: srv.URL}, tokens, log.NewNop())
	got, err := s.Submit(context.Background(), testTx(fake, "tasks", "1"))
	require.Error(t, err)
	assert.Equal(t, StatusUnreachable, got)
}

func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64JSON(t, map[string]any{"alg": "none", "typ": "JWT"})
	claims := base64JSON(t, map[string]any{"exp": exp.Unix()})
	return header + "." + claims + "."
}

func base64JSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(data)
}
