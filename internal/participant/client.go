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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/xferhq/xfer/internal/metrics"
	"github.com/xferhq/xfer/model"
)

const (
	EndpointPrepare  = "prepare"
	EndpointCommit   = "commit"
	EndpointRollback = "rollback"
	EndpointHealth   = "health"

	// StatusUnreachable is reported when every attempt of a call failed at the transport level.
	StatusUnreachable = "UNREACHABLE"
	// StatusMissing is reported when a participant answered without a usable status field.
	StatusMissing = "ERROR"
)

// Reply is the outcome of one Call.
type Reply struct {
	Status   string          // participant status, StatusMissing or StatusUnreachable
	Raw      json.RawMessage // body of the answering response, nil when unreachable
	Err      string          // transport error text of the final attempt
	Attempts int
}

// Reached reports whether the participant answered at all.
func (r Reply) Reached() bool {
	return r.Err == ""
}

// Caller is what the coordinator needs from the network.
type Caller interface {
	// Call performs up to maxRetries+1 attempts and never fails; transport errors end up in Reply.
	Call(ctx context.Context, p model.Participant, endpoint string, payload interface{}, timeout time.Duration, maxRetries int) Reply
	// Send performs exactly one attempt; transport failures and non-2xx answers are errors.
	Send(ctx context.Context, p model.Participant, endpoint string, payload interface{}, timeout time.Duration) error
	// Probe checks the participant's health endpoint.
	Probe(ctx context.Context, p model.Participant, timeout time.Duration) error
}

// Client is the HTTP implementation of Caller.
type Client struct {
	http      *http.Client
	baseDelay time.Duration
	metrics   *metrics.Metrics
}

// NewClient returns a Client waiting baseDelay*n before the n-th retry.
func NewClient(baseDelay time.Duration, m *metrics.Metrics) *Client {
	return &Client{
		http:      &http.Client{},
		baseDelay: baseDelay,
		metrics:   m,
	}
}

// linearBackOff grows the wait by the base delay on every retry.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

func (c *Client) Call(ctx context.Context, p model.Participant, endpoint string, payload interface{}, timeout time.Duration, maxRetries int) Reply {
	if maxRetries < 0 {
		maxRetries = 0
	}
	reply := Reply{}

	body, err := json.Marshal(payload)
	if err != nil {
		reply.Status = StatusUnreachable
		reply.Err = fmt.Sprintf("failed to marshal payload: %v", err)
		return reply
	}

	operation := func() error {
		reply.Attempts++
		status, raw, err := c.attempt(ctx, p, endpoint, body, timeout)
		if err != nil {
			c.metrics.ParticipantAttempt(p.Name, endpoint, "error")
			return err
		}
		c.metrics.ParticipantAttempt(p.Name, endpoint, "ok")
		reply.Status = status
		reply.Raw = raw
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"participant": p.Name,
			"endpoint":    endpoint,
			"attempt":     reply.Attempts,
			"retry_in":    wait.String(),
			"error":       err.Error(),
		}).Warn("participant call failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{base: c.baseDelay}, uint64(maxRetries)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		logrus.WithFields(logrus.Fields{
			"participant": p.Name,
			"endpoint":    endpoint,
			"attempts":    reply.Attempts,
			"error":       err.Error(),
		}).Error("participant unreachable")
		reply.Status = StatusUnreachable
		reply.Raw = nil
		reply.Err = err.Error()
	}
	return reply
}

// attempt performs one POST and decodes the participant's JSON answer.
func (c *Client) attempt(ctx context.Context, p model.Participant, endpoint string, body []byte, timeout time.Duration) (string, json.RawMessage, error) {
	resp, err := c.post(ctx, p, endpoint, body, timeout)
	if err != nil {
		return "", nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close response body")
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", nil, fmt.Errorf("malformed response from %s (status %d): %w", p.Endpoint(endpoint), resp.StatusCode, err)
	}

	status, ok := decoded["status"].(string)
	if !ok || status == "" {
		status = StatusMissing
	}

	logrus.WithFields(logrus.Fields{
		"participant": p.Name,
		"endpoint":    endpoint,
		"status_code": resp.StatusCode,
		"status":      status,
	}).Debug("participant answered")

	return status, raw, nil
}

func (c *Client) post(ctx context.Context, p model.Participant, endpoint string, body []byte, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.Endpoint(endpoint), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) Send(ctx context.Context, p model.Participant, endpoint string, payload interface{}, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := c.post(ctx, p, endpoint, body, timeout)
	if err != nil {
		c.metrics.ParticipantAttempt(p.Name, endpoint, "error")
		return err
	}
	// the body is not interpreted, only drained so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.ParticipantAttempt(p.Name, endpoint, "error")
		return fmt.Errorf("%s returned status %d", p.Endpoint(endpoint), resp.StatusCode)
	}
	c.metrics.ParticipantAttempt(p.Name, endpoint, "ok")
	return nil
}

func (c *Client) Probe(ctx context.Context, p model.Participant, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.Endpoint(EndpointHealth), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// cancelOnClose releases the per-attempt timeout once the body has been consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
