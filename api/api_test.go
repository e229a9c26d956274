/*
Copyright 2024 Xfer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xferhq/xfer"
	"github.com/xferhq/xfer/config"
	"github.com/xferhq/xfer/database/mocks"
	"github.com/xferhq/xfer/internal/apierror"
	"github.com/xferhq/xfer/internal/clock"
	"github.com/xferhq/xfer/internal/metrics"
	"github.com/xferhq/xfer/internal/participant"
	"github.com/xferhq/xfer/model"
)

var (
	bankA = model.NewParticipant("bank_a", "http://bank-a.test", model.RoleDebit)
	bankB = model.NewParticipant("bank_b", "http://bank-b.test", model.RoleCredit)
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Configuration {
	retries := 0
	return &config.Configuration{
		ProjectName:  "xfer-test",
		Participants: []model.Participant{bankA, bankB},
		Transaction: config.TransactionConfig{
			RequestTimeoutSec:    1,
			MaxRetries:           &retries,
			RetryBaseDelayMs:     1,
			ReconcileAgeMinutes:  5,
			ReconcileIntervalSec: 60,
		},
	}
}

func setupRouter(t *testing.T, cfg *config.Configuration, opts ...xfer.Option) (http.Handler, *mocks.MockDataSource) {
	t.Helper()
	ds := &mocks.MockDataSource{}
	m := metrics.New()
	opts = append([]xfer.Option{
		xfer.WithClock(clock.NewFake(now)),
		xfer.WithMetrics(m),
		xfer.WithCaller(participant.NewClient(time.Millisecond, m)),
	}, opts...)
	x := xfer.NewXfer(cfg, ds, opts...)
	return NewAPI(x).Router(), ds
}

func newRequest(method, path string, payload interface{}) *http.Request {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func respondAll(endpoint, body string) {
	for _, p := range []model.Participant{bankA, bankB} {
		httpmock.RegisterResponder("POST", p.Endpoint(endpoint), httpmock.NewStringResponder(200, body))
	}
}

func echoRecord(_ context.Context, r *model.TransactionRecord) (*model.TransactionRecord, error) {
	return r, nil
}

func TestTransfer(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	respondAll("prepare", `{"status":"READY"}`)
	respondAll("commit", `{"status":"COMMITTED"}`)

	router, ds := setupRouter(t, testConfig())
	ds.On("RecordTransaction", mock.Anything, mock.AnythingOfType("*model.TransactionRecord")).Return(echoRecord, nil)

	resp := serve(router, newRequest(http.MethodPost, "/transfer", map[string]interface{}{
		"amount": 25.5, "from_account": 1, "to_account": 2,
	}))
	require.Equal(t, http.StatusCreated, resp.Code)

	var body struct {
		TxID         string                     `json:"tx_id"`
		Status       string                     `json:"status"`
		Participants []model.ParticipantOutcome `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.NotEmpty(t, body.TxID)
	assert.Equal(t, "COMMITTED", body.Status)
	assert.Len(t, body.Participants, 2)

	recorded := ds.Calls[0].Arguments.Get(1).(*model.TransactionRecord)
	assert.True(t, decimal.RequireFromString("25.5").Equal(recorded.Amount))
	assert.Equal(t, int64(1), recorded.FromAccount)
	assert.Equal(t, int64(2), recorded.ToAccount)
}

func TestTransfer_Aborted(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", bankA.Endpoint("prepare"), httpmock.NewStringResponder(200, `{"status":"ABORT"}`))

	router, ds := setupRouter(t, testConfig())
	ds.On("RecordTransaction", mock.Anything, mock.AnythingOfType("*model.TransactionRecord")).Return(echoRecord, nil)

	resp := serve(router, newRequest(http.MethodPost, "/transfer", map[string]interface{}{
		"amount": 10, "from_account": 1, "to_account": 2,
	}))
	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"ABORTED"`)
}

func TestTransfer_AccountZero(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	respondAll("prepare", `{"status":"READY"}`)
	respondAll("commit", `{"status":"COMMITTED"}`)

	router, ds := setupRouter(t, testConfig())
	ds.On("RecordTransaction", mock.Anything, mock.AnythingOfType("*model.TransactionRecord")).Return(echoRecord, nil)

	resp := serve(router, newRequest(http.MethodPost, "/transfer", map[string]interface{}{
		"amount": 5, "from_account": 0, "to_account": 7,
	}))
	require.Equal(t, http.StatusCreated, resp.Code)

	recorded := ds.Calls[0].Arguments.Get(1).(*model.TransactionRecord)
	assert.Equal(t, int64(0), recorded.FromAccount)
	assert.Equal(t, int64(7), recorded.ToAccount)
}

func TestTransfer_Validation(t *testing.T) {
	router, ds := setupRouter(t, testConfig())

	tests := []struct {
		name    string
		payload interface{}
	}{
		{name: "zero amount", payload: map[string]interface{}{"amount": 0, "from_account": 1, "to_account": 2}},
		{name: "negative amount", payload: map[string]interface{}{"amount": -5, "from_account": 1, "to_account": 2}},
		{name: "missing accounts", payload: map[string]interface{}{"amount": 5}},
		{name: "wrong types", payload: map[string]interface{}{"amount": "five", "from_account": 1, "to_account": 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(router, newRequest(http.MethodPost, "/transfer", tt.payload))
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
	ds.AssertNotCalled(t, "RecordTransaction", mock.Anything, mock.Anything)
}

func TestTransfer_StorageFailure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	respondAll("prepare", `{"status":"READY"}`)
	respondAll("commit", `{"status":"COMMITTED"}`)

	router, ds := setupRouter(t, testConfig())
	ds.On("RecordTransaction", mock.Anything, mock.Anything).
		Return(nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to record transaction", errors.New("db down")))

	resp := serve(router, newRequest(http.MethodPost, "/transfer", map[string]interface{}{
		"amount": 1, "from_account": 1, "to_account": 2,
	}))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestGetTransaction(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	ds.On("GetTransaction", mock.Anything, "tx-1").Return(&model.TransactionRecord{
		TxID:         "tx-1",
		Status:       model.StatusCommitted,
		Participants: []model.ParticipantOutcome{{Name: "bank_a"}},
	}, nil)
	ds.On("GetTransaction", mock.Anything, "missing").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "transaction not found", nil))

	resp := serve(router, newRequest(http.MethodGet, "/transactions/tx-1", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"tx_id":"tx-1"`)
	assert.Contains(t, resp.Body.String(), `"status":"COMMITTED"`)

	resp = serve(router, newRequest(http.MethodGet, "/transactions/missing", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetAllTransactions(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	ds.On("GetAllTransactions", mock.Anything, xfer.DefaultListLimit).Return([]model.TransactionRecord{
		{TxID: "tx-2", Status: model.StatusAborted},
		{TxID: "tx-1", Status: model.StatusCommitted},
	}, nil)
	ds.On("GetAllTransactions", mock.Anything, 2).Return([]model.TransactionRecord{}, nil)

	resp := serve(router, newRequest(http.MethodGet, "/transactions", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[{"tx_id":"tx-2","status":"ABORTED"},{"tx_id":"tx-1","status":"COMMITTED"}]`, resp.Body.String())

	resp = serve(router, newRequest(http.MethodGet, "/transactions?limit=2", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())

	resp = serve(router, newRequest(http.MethodGet, "/transactions?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReconcile(t *testing.T) {
	router, ds := setupRouter(t, testConfig())
	ds.On("GetStuckTransactions", mock.Anything, now.Add(-10*time.Minute)).Return([]model.TransactionRecord{
		{TxID: "tx-old", Status: model.StatusPrepared},
	}, nil)
	ds.On("AbortStuckTransaction", mock.Anything, "tx-old", now).Return(true, nil)
	ds.On("GetStuckTransactions", mock.Anything, now.Add(-5*time.Minute)).Return([]model.TransactionRecord{}, nil)

	resp := serve(router, newRequest(http.MethodPost, "/admin/reconcile?age_minutes=10", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"performed":[{"tx_id":"tx-old","action":"ABORTED"}]}`, resp.Body.String())

	resp = serve(router, newRequest(http.MethodPost, "/admin/reconcile", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"performed":[]}`, resp.Body.String())

	resp = serve(router, newRequest(http.MethodPost, "/admin/reconcile?age_minutes=-1", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReconcile_LockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	require.NoError(t, mr.Set("xfer:reconcile:lock", "someone-else"))

	router, ds := setupRouter(t, testConfig(), xfer.WithRedis(client))

	resp := serve(router, newRequest(http.MethodPost, "/admin/reconcile", nil))
	assert.Equal(t, http.StatusConflict, resp.Code)
	ds.AssertNotCalled(t, "GetStuckTransactions", mock.Anything, mock.Anything)
}

func TestHealth(t *testing.T) {
	router, _ := setupRouter(t, testConfig())

	resp := serve(router, newRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok","participants_configured":2}`, resp.Body.String())
}

func TestBalance(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("GET", bankA.Endpoint("health"), httpmock.NewStringResponder(500, "down"))
	httpmock.RegisterResponder("GET", bankB.Endpoint("health"), httpmock.NewStringResponder(200, "ok"))

	router, _ := setupRouter(t, testConfig())

	resp := serve(router, newRequest(http.MethodGet, "/balance/42", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"source":"bank_b"`)
	assert.Contains(t, resp.Body.String(), `"reachable":true`)

	resp = serve(router, newRequest(http.MethodGet, "/balance/abc", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestBalance_NoneReachable(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	router, _ := setupRouter(t, testConfig())

	resp := serve(router, newRequest(http.MethodGet, "/balance/42", nil))
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var body struct {
		Message string               `json:"message"`
		Errors  []xfer.ProbeFailure `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "No participant reachable", body.Message)
	assert.Len(t, body.Errors, 2)
}

func TestMetrics(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	respondAll("prepare", `{"status":"READY"}`)
	respondAll("commit", `{"status":"COMMITTED"}`)

	router, ds := setupRouter(t, testConfig())
	ds.On("RecordTransaction", mock.Anything, mock.Anything).Return(echoRecord, nil)

	serve(router, newRequest(http.MethodPost, "/transfer", map[string]interface{}{
		"amount": 3, "from_account": 1, "to_account": 2,
	}))

	resp := serve(router, newRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.Contains(resp.Body.String(), "xfer_transactions_total"))
}

func TestSecureMode(t *testing.T) {
	cfg := testConfig()
	cfg.Server = config.ServerConfig{Secure: true, SecretKey: "s3cret"}
	router, ds := setupRouter(t, cfg)
	ds.On("GetAllTransactions", mock.Anything, mock.Anything).Return([]model.TransactionRecord{}, nil)

	resp := serve(router, newRequest(http.MethodGet, "/transactions", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	req := newRequest(http.MethodGet, "/transactions", nil)
	req.Header.Set("X-Xfer-Key", "s3cret")
	resp = serve(router, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
