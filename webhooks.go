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

package xfer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/xferhq/xfer/config"
	"github.com/xferhq/xfer/internal/request"
	"github.com/xferhq/xfer/model"
)

const (
	EventTransactionCommitted  = "transaction.committed"
	EventTransactionAborted    = "transaction.aborted"
	EventTransactionReconciled = "transaction.reconciled"
)

// NewWebhook is the body delivered to the configured webhook URL.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

func eventForStatus(status model.TransactionStatus) string {
	switch status {
	case model.StatusCommitted:
		return EventTransactionCommitted
	case model.StatusAborted:
		return EventTransactionAborted
	default:
		return "transaction.unknown"
	}
}

// SendWebhook enqueues a webhook when a URL and a queue are configured.
func (x *Xfer) SendWebhook(ctx context.Context, webhook NewWebhook) error {
	if x.config.Notification.Webhook.Url == "" || x.queue == nil {
		return nil
	}
	return x.queue.enqueueWebhook(ctx, webhook)
}

// publish sends an event without failing the caller.
func (x *Xfer) publish(ctx context.Context, event string, record *model.TransactionRecord) {
	if err := x.SendWebhook(ctx, NewWebhook{Event: event, Payload: record}); err != nil {
		logrus.WithFields(logrus.Fields{
			"tx_id": record.TxID,
			"event": event,
			"error": err.Error(),
		}).Error("failed to enqueue webhook")
	}
}

// WebhookProcessor delivers queued webhooks.
type WebhookProcessor struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookProcessor(conf *config.Configuration) *WebhookProcessor {
	return &WebhookProcessor{
		url:     conf.Notification.Webhook.Url,
		headers: conf.Notification.Webhook.Headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ProcessWebhook is the asynq handler for webhook tasks. A failed delivery is returned so asynq
// retries it.
func (p *WebhookProcessor) ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	if p.url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling task payload: %v", err)
		return asynq.SkipRetry
	}

	if err := request.PostJSON(ctx, p.client, p.url, p.headers, payload, nil); err != nil {
		logrus.WithFields(logrus.Fields{"event": payload.Event, "error": err.Error()}).Warn("webhook delivery failed")
		return err
	}
	logrus.WithField("event", payload.Event).Info("webhook delivered")
	return nil
}
