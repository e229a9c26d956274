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

package participant

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xferhq/xfer/internal/metrics"
	"github.com/xferhq/xfer/model"
)

const testURL = "http://bank-a.test"

func testParticipant() model.Participant {
	return model.NewParticipant("bank_a", testURL+"/", model.RoleDebit)
}

func newTestClient() (*Client, *metrics.Metrics) {
	m := metrics.New()
	return NewClient(time.Millisecond, m), m
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{base: 200 * time.Millisecond}
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 400*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 600*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
}

func TestCall_ReturnsParticipantStatus(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testURL+"/prepare",
		httpmock.NewStringResponder(200, `{"status":"READY","hold":"h-1"}`))

	client, m := newTestClient()
	reply := client.Call(context.Background(), testParticipant(), EndpointPrepare, map[string]string{"tx_id": "t1"}, time.Second, 2)

	assert.Equal(t, "READY", reply.Status)
	assert.True(t, reply.Reached())
	assert.Equal(t, 1, reply.Attempts)
	assert.JSONEq(t, `{"status":"READY","hold":"h-1"}`, string(reply.Raw))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AttemptCounter("bank_a", EndpointPrepare, "ok")))
}

func TestCall_NonSuccessStatusCodeStillCompletes(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testURL+"/prepare",
		httpmock.NewStringResponder(409, `{"status":"ABORT","reason":"insufficient funds"}`))

	client, _ := newTestClient()
	reply := client.Call(context.Background(), testParticipant(), EndpointPrepare, map[string]string{"tx_id": "t1"}, time.Second, 2)

	assert.Equal(t, "ABORT", reply.Status)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestCall_MissingStatusDefaultsToError(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testURL+"/commit",
		httpmock.NewStringResponder(200, `{"ok":true}`))

	client, _ := newTestClient()
	reply := client.Call(context.Background(), testParticipant(), EndpointCommit, map[string]string{"tx_id": "t1"}, time.Second, 0)

	assert.Equal(t, StatusMissing, reply.Status)
	assert.True(t, reply.Reached())
}

func TestCall_RetriesThenSucceeds(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("POST", testURL+"/prepare", func(req *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return httpmock.NewStringResponse(200, `{"status":"READY"}`), nil
	})

	client, m := newTestClient()
	reply := client.Call(context.Background(), testParticipant(), EndpointPrepare, map[string]string{"tx_id": "t1"}, time.Second, 2)

	assert.Equal(t, "READY", reply.Status)
	assert.Equal(t, 3, reply.Attempts)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.AttemptCounter("bank_a", EndpointPrepare, "error")))
}

func TestCall_MalformedBodyIsRetried(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testURL+"/prepare",
		httpmock.NewStringResponder(502, `<html>bad gateway</html>`))

	client, _ := newTestClient()
	reply := client.Call(context.Background(), testParticipant(), EndpointPrepare, map[string]string{"tx_id": "t1"}, time.Second, 1)

	assert.Equal(t, StatusUnreachable, reply.Status)
	assert.False(t, reply.Reached())
	assert.Contains(t, reply.Err, "malformed response")
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestCall_UnreachableAfterAllAttempts(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testURL+"/prepare",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	client, _ := newTestClient()
	reply := client.Call(context.Background(), testParticipant(), EndpointPrepare, map[string]string{"tx_id": "t1"}, time.Second, 2)

	assert.Equal(t, StatusUnreachable, reply.Status)
	assert.Equal(t, 3, reply.Attempts)
	assert.Contains(t, reply.Err, "connection refused")
	assert.Nil(t, reply.Raw)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestCall_ZeroRetriesIsSingleAttempt(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testURL+"/prepare",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	client, _ := newTestClient()
	reply := client.Call(context.Background(), testParticipant(), EndpointPrepare, map[string]string{"tx_id": "t1"}, time.Second, 0)

	assert.Equal(t, StatusUnreachable, reply.Status)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestCall_SendsJSONPayload(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testURL+"/prepare", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"tx_id":"t1","amount":10.5,"from_account":1}`, string(body))
		return httpmock.NewStringResponse(200, `{"status":"READY"}`), nil
	})

	from := int64(1)
	payload := model.PhasePayload{TxID: "t1", Amount: "10.5", FromAccount: &from}

	client, _ := newTestClient()
	reply := client.Call(context.Background(), testParticipant(), EndpointPrepare, payload, time.Second, 0)
	assert.Equal(t, "READY", reply.Status)
}

func TestSend(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	client, _ := newTestClient()
	p := testParticipant()

	httpmock.RegisterResponder("POST", testURL+"/rollback", httpmock.NewStringResponder(200, `ignored`))
	require.NoError(t, client.Send(context.Background(), p, EndpointRollback, model.RollbackPayload{TxID: "t1"}, time.Second))

	httpmock.RegisterResponder("POST", testURL+"/rollback", httpmock.NewStringResponder(500, `{"status":"ERROR"}`))
	err := client.Send(context.Background(), p, EndpointRollback, model.RollbackPayload{TxID: "t1"}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	httpmock.RegisterResponder("POST", testURL+"/rollback", httpmock.NewErrorResponder(errors.New("connection reset")))
	err = client.Send(context.Background(), p, EndpointRollback, model.RollbackPayload{TxID: "t1"}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestProbe(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	client, _ := newTestClient()
	p := testParticipant()

	httpmock.RegisterResponder("GET", testURL+"/health", httpmock.NewStringResponder(200, `{"status":"ok"}`))
	assert.NoError(t, client.Probe(context.Background(), p, time.Second))

	httpmock.RegisterResponder("GET", testURL+"/health", httpmock.NewStringResponder(503, ``))
	assert.Error(t, client.Probe(context.Background(), p, time.Second))
}
