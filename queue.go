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
	"errors"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/xferhq/xfer/config"
	redis_db "github.com/xferhq/xfer/internal/redis-db"
)

// Queue publishes background tasks to Redis through asynq.
type Queue struct {
	Client         *asynq.Client
	Inspector      *asynq.Inspector
	webhookQueue   string
	reconcileQueue string
}

// RedisConnOpt converts the configured Redis address into asynq connection options.
func RedisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Username:  redisOption.Username,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := RedisConnOpt(conf)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:         asynq.NewClient(opt),
		Inspector:      asynq.NewInspector(opt),
		webhookQueue:   conf.Queue.WebhookQueue,
		reconcileQueue: conf.Queue.ReconcileQueue,
	}, nil
}

func (q *Queue) enqueueWebhook(ctx context.Context, webhook NewWebhook) error {
	payload, err := json.Marshal(webhook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.webhookQueue, payload, asynq.Queue(q.webhookQueue), asynq.MaxRetry(5))
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"event": webhook.Event, "task_id": info.ID}).Debug("webhook enqueued")
	return nil
}

// EnqueueReconcile schedules one reconciliation sweep on the workers. It reports false
// without enqueueing when a sweep is already waiting in the reconcile queue.
func (q *Queue) EnqueueReconcile(ctx context.Context) (bool, error) {
	pending, err := q.Inspector.ListPendingTasks(q.reconcileQueue, asynq.PageSize(1))
	if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		return false, err
	}
	if len(pending) > 0 {
		logrus.WithField("task_id", pending[0].ID).Info("reconciliation already pending")
		return false, nil
	}

	if _, err := q.Client.EnqueueContext(ctx, ReconcileTask(q.reconcileQueue)); err != nil {
		return false, err
	}
	return true, nil
}

// ReconcileTask is the task handled by ProcessReconcileTask.
func ReconcileTask(queue string) *asynq.Task {
	return asynq.NewTask(queue, nil, asynq.Queue(queue), asynq.MaxRetry(0))
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close queue inspector")
	}
	return q.Client.Close()
}
