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

package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPrepared  TransactionStatus = "PREPARED"
	StatusCommitted TransactionStatus = "COMMITTED"
	StatusAborted   TransactionStatus = "ABORTED"
	StatusError     TransactionStatus = "ERROR"
)

// Terminal reports whether the status may no longer change.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted || s == StatusError
}

// TransactionRecord is the durable log entry of one coordinated transfer.
type TransactionRecord struct {
	TxID         string               `json:"tx_id"`
	Status       TransactionStatus    `json:"status"`
	Participants []ParticipantOutcome `json:"participants"`
	Amount       decimal.Decimal      `json:"amount"`
	FromAccount  int64                `json:"from_account"`
	ToAccount    int64                `json:"to_account"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`

	// ParticipantsJSON is the coordinator's serialized outcome list, stored as is when set.
	ParticipantsJSON json.RawMessage `json:"-" msgpack:"-"`
}

// TransactionSummary is the list view of a record.
type TransactionSummary struct {
	TxID   string            `json:"tx_id"`
	Status TransactionStatus `json:"status"`
}

// Summary returns the list view of the record.
func (t TransactionRecord) Summary() TransactionSummary {
	return TransactionSummary{TxID: t.TxID, Status: t.Status}
}

// ReconcileAction reports one record changed by a reconciliation sweep.
type ReconcileAction struct {
	TxID   string            `json:"tx_id"`
	Action TransactionStatus `json:"action"`
}
