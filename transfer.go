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
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xferhq/xfer/internal/apierror"
	"github.com/xferhq/xfer/model"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// StartTransfer moves amount from one account to another across every configured participant and
// records the outcome. amount is expected to be positive; callers validate it. The returned record
// is COMMITTED only when every participant committed, ABORTED otherwise. A storage failure is
// returned as an error and the outcome is lost.
func (x *Xfer) StartTransfer(ctx context.Context, amount decimal.Decimal, fromAccount, toAccount int64) (*model.TransactionRecord, error) {
	// the protocol always runs to the end; a caller going away must not strand prepared participants
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "StartTransfer")
	defer span.End()

	transfer := model.Transfer{Amount: amount, FromAccount: fromAccount, ToAccount: toAccount}
	session := x.coordinator.Begin(transfer)
	span.SetAttributes(attribute.String("tx_id", session.TxID))

	if x.coordinator.Prepare(ctx, session) {
		x.coordinator.Commit(ctx, session)
	} else {
		x.coordinator.Abort(ctx, session)
	}

	status := model.StatusAborted
	if session.Committed() {
		status = model.StatusCommitted
	}

	serialized, err := session.Serialize()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to serialize participant outcomes", err)
	}

	now := x.clock.Now()
	record := &model.TransactionRecord{
		TxID:             session.TxID,
		Status:           status,
		Participants:     session.Outcomes(),
		ParticipantsJSON: serialized,
		Amount:           amount,
		FromAccount:      fromAccount,
		ToAccount:        toAccount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	saved, err := x.datasource.RecordTransaction(ctx, record)
	if err != nil {
		x.notifier.NotifyError(fmt.Errorf("failed to record transaction %s with status %s: %w", record.TxID, record.Status, err))
		return nil, err
	}

	x.metrics.TransactionFinished(string(status))
	logrus.WithFields(logrus.Fields{
		"tx_id":  saved.TxID,
		"status": saved.Status,
		"amount": saved.Amount.String(),
	}).Info("transfer finished")

	x.publish(ctx, eventForStatus(saved.Status), saved)
	return saved, nil
}

// GetTransaction returns the record for txID or an apierror with code NOT_FOUND.
func (x *Xfer) GetTransaction(ctx context.Context, txID string) (*model.TransactionRecord, error) {
	ctx, span := tracer.Start(ctx, "GetTransaction")
	defer span.End()

	return x.datasource.GetTransaction(ctx, txID)
}

// ListTransactions returns up to limit records, most recent first.
func (x *Xfer) ListTransactions(ctx context.Context, limit int) ([]model.TransactionRecord, error) {
	ctx, span := tracer.Start(ctx, "ListTransactions")
	defer span.End()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return x.datasource.GetAllTransactions(ctx, limit)
}

// Health reports liveness and how many participants are configured.
type Health struct {
	Status                 string `json:"status"`
	ParticipantsConfigured int    `json:"participants_configured"`
}

func (x *Xfer) Health() Health {
	return Health{Status: "ok", ParticipantsConfigured: len(x.coordinator.Participants())}
}

// BalanceProbe is the answer of the balance endpoint. Participants do not expose balances yet, so
// the probe only tells which participant is reachable.
type BalanceProbe struct {
	AccountID int64  `json:"account_id"`
	Source    string `json:"source"`
	Reachable bool   `json:"reachable"`
	Warning   string `json:"warning"`
}

type ProbeFailure struct {
	Participant string `json:"participant"`
	Error       string `json:"error"`
}

// ProbeBalance returns the first participant answering its health check. When none answers the
// error is an apierror with code SERVICE_UNAVAILABLE carrying the per-participant failures.
func (x *Xfer) ProbeBalance(ctx context.Context, accountID int64) (*BalanceProbe, error) {
	ctx, span := tracer.Start(ctx, "ProbeBalance")
	defer span.End()

	failures := []ProbeFailure{}
	for _, p := range x.coordinator.Participants() {
		err := x.caller.Probe(ctx, p, x.config.Transaction.RequestTimeout())
		if err == nil {
			return &BalanceProbe{
				AccountID: accountID,
				Source:    p.Name,
				Reachable: true,
				Warning:   "Balance endpoint not implemented on participant",
			}, nil
		}
		failures = append(failures, ProbeFailure{Participant: p.Name, Error: err.Error()})
	}
	return nil, apierror.NewAPIError(apierror.ErrUnavailable, "No participant reachable", failures)
}
