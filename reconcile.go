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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	redlock "github.com/xferhq/xfer/internal/lock"
	"github.com/xferhq/xfer/model"
)

const reconcileLockKey = "xfer:reconcile:lock"

// reconcileLockWait bounds how long a sweep waits for another process to release the lock.
const reconcileLockWait = 2 * time.Second

// ReconcileStuck aborts every PREPARED transaction created more than age ago. Participants are not
// contacted; only the local record changes. A transaction whose status moved on between the scan
// and the update is skipped and not reported.
func (x *Xfer) ReconcileStuck(ctx context.Context, age time.Duration) ([]model.ReconcileAction, error) {
	ctx, span := tracer.Start(ctx, "ReconcileStuck")
	defer span.End()

	now := x.clock.Now()
	stuck, err := x.datasource.GetStuckTransactions(ctx, now.Add(-age))
	if err != nil {
		return nil, err
	}

	actions := []model.ReconcileAction{}
	for i := range stuck {
		record := &stuck[i]
		aborted, err := x.datasource.AbortStuckTransaction(ctx, record.TxID, now)
		if err != nil {
			x.metrics.Reconciled(len(actions))
			return actions, err
		}
		if !aborted {
			logrus.WithField("tx_id", record.TxID).Info("transaction left PREPARED before reconciliation, skipping")
			continue
		}

		record.Status = model.StatusAborted
		record.UpdatedAt = now
		actions = append(actions, model.ReconcileAction{TxID: record.TxID, Action: model.StatusAborted})
		x.publish(ctx, EventTransactionReconciled, record)
	}

	span.SetAttributes(attribute.Int("reconciled", len(actions)))
	x.metrics.Reconciled(len(actions))
	if len(actions) > 0 {
		logrus.WithField("count", len(actions)).Info("stuck transactions aborted")
	}
	return actions, nil
}

// ReconcileExclusive runs ReconcileStuck under the Redis sweep lock when Redis is configured.
// It waits up to reconcileLockWait for a concurrent sweep to finish, then returns an
// error wrapping redlock.ErrLockHeld.
func (x *Xfer) ReconcileExclusive(ctx context.Context, age time.Duration) ([]model.ReconcileAction, error) {
	if x.redis == nil {
		return x.ReconcileStuck(ctx, age)
	}

	locker := redlock.NewLocker(x.redis, reconcileLockKey, uuid.NewString())
	if err := locker.WaitLock(ctx, x.lockTTL(), reconcileLockWait); err != nil {
		return nil, err
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Warn("failed to release reconcile lock")
		}
	}()
	return x.ReconcileStuck(ctx, age)
}

func (x *Xfer) lockTTL() time.Duration {
	ttl := x.config.Transaction.ReconcileInterval()
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// ProcessReconcileTask is the asynq handler for the periodic reconciliation task.
func (x *Xfer) ProcessReconcileTask(ctx context.Context, _ *asynq.Task) error {
	actions, err := x.ReconcileExclusive(ctx, x.config.Transaction.ReconcileAge())
	if errors.Is(err, redlock.ErrLockHeld) {
		logrus.Info("reconciliation already running elsewhere, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	logrus.Infof(" [*] Reconciliation task finished, %d transactions aborted", len(actions))
	return nil
}

// ReconcileProcessor sweeps stuck transactions on a fixed interval.
type ReconcileProcessor struct {
	xfer     *Xfer
	interval time.Duration
	age      time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewReconcileProcessor(x *Xfer) *ReconcileProcessor {
	return &ReconcileProcessor{
		xfer:     x,
		interval: x.config.Transaction.ReconcileInterval(),
		age:      x.config.Transaction.ReconcileAge(),
		stopCh:   make(chan struct{}),
	}
}

func (p *ReconcileProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.WithField("interval", p.interval.String()).Info("Reconciliation processor started")
}

func (p *ReconcileProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Reconciliation processor stopped")
}

func (p *ReconcileProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *ReconcileProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Reconciliation processor context cancelled")
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *ReconcileProcessor) sweep(ctx context.Context) int {
	actions, err := p.xfer.ReconcileExclusive(ctx, p.age)
	if errors.Is(err, redlock.ErrLockHeld) {
		return 0
	}
	if err != nil {
		logrus.Errorf("reconciliation sweep failed: %v", err)
	}
	return len(actions)
}
