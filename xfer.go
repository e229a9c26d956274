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
	"embed"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/xferhq/xfer/config"
	"github.com/xferhq/xfer/database"
	"github.com/xferhq/xfer/internal/clock"
	"github.com/xferhq/xfer/internal/metrics"
	"github.com/xferhq/xfer/internal/notification"
	"github.com/xferhq/xfer/internal/participant"
	"github.com/xferhq/xfer/twopc"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("xfer.service")

// Xfer is the transaction service: it runs transfers through the coordinator, keeps the
// transaction log and resolves stuck transactions.
type Xfer struct {
	config      *config.Configuration
	datasource  database.IDataSource
	coordinator *twopc.Coordinator
	caller      participant.Caller
	queue       *Queue
	redis       redis.UniversalClient
	clock       clock.Clock
	metrics     *metrics.Metrics
	notifier    *notification.Notifier
}

// Option customises an Xfer built by NewXfer.
type Option func(*Xfer)

// WithQueue enables transaction events.
func WithQueue(q *Queue) Option {
	return func(x *Xfer) { x.queue = q }
}

// WithRedis enables the reconciliation lock.
func WithRedis(client redis.UniversalClient) Option {
	return func(x *Xfer) { x.redis = client }
}

func WithClock(c clock.Clock) Option {
	return func(x *Xfer) { x.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Xfer) { x.metrics = m }
}

// WithCaller replaces the HTTP participant client.
func WithCaller(c participant.Caller) Option {
	return func(x *Xfer) { x.caller = c }
}

func WithNotifier(n *notification.Notifier) Option {
	return func(x *Xfer) { x.notifier = n }
}

// NewXfer builds the service over an already connected datasource.
func NewXfer(cfg *config.Configuration, datasource database.IDataSource, opts ...Option) *Xfer {
	x := &Xfer{
		config:     cfg,
		datasource: datasource,
		clock:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.caller == nil {
		x.caller = participant.NewClient(cfg.Transaction.RetryBaseDelay(), x.metrics)
	}
	x.coordinator = twopc.NewCoordinator(cfg, x.caller, x.metrics)
	return x
}

// Config returns the configuration the service was built with.
func (x *Xfer) Config() *config.Configuration {
	return x.config
}

func (x *Xfer) Metrics() *metrics.Metrics {
	return x.metrics
}
