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

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xferhq/xfer/internal/request"
)

// Notifier reports operational errors to Slack. The zero value only logs.
type Notifier struct {
	SlackWebhookURL string
	ProjectName     string
	client          *http.Client
}

func New(slackWebhookURL, projectName string) *Notifier {
	return &Notifier{
		SlackWebhookURL: slackWebhookURL,
		ProjectName:     projectName,
		client:          &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) slackMessage(err error, at time.Time) json.RawMessage {
	text, _ := json.Marshal(fmt.Sprintf("*Error:*\n%v", err))
	title, _ := json.Marshal(fmt.Sprintf("Error From %s 🐞", n.ProjectName))
	when, _ := json.Marshal(fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822)))

	return json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{"type": "header", "text": {"type": "plain_text", "text": %s, "emoji": true}},
			{"type": "section", "fields": [{"type": "mrkdwn", "text": %s}]},
			{"type": "section", "fields": [{"type": "mrkdwn", "text": %s}]}
		]
	}`, title, text, when))
}

// SlackNotification posts err to the Slack webhook and waits for the answer.
func (n *Notifier) SlackNotification(ctx context.Context, err error) error {
	if n.SlackWebhookURL == "" {
		return nil
	}
	return request.PostJSON(ctx, n.client, n.SlackWebhookURL, nil, n.slackMessage(err, time.Now()), nil)
}

// NotifyError logs systemError and forwards it to Slack in the background when configured.
func (n *Notifier) NotifyError(systemError error) {
	logrus.Error(systemError)
	if n == nil || n.SlackWebhookURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.SlackNotification(ctx, systemError); err != nil {
			logrus.WithError(err).Warn("failed to send slack notification")
		}
	}()
}
