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

package database

import (
	"context"
	"time"

	"github.com/xferhq/xfer/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	transaction // Interface for transaction-log operations
}

// transaction defines methods for handling the transaction log.
type transaction interface {
	RecordTransaction(ctx context.Context, record *model.TransactionRecord) (*model.TransactionRecord, error) // Inserts a finished transaction
	GetTransaction(ctx context.Context, txID string) (*model.TransactionRecord, error)                         // Retrieves a transaction by tx id
	GetAllTransactions(ctx context.Context, limit int) ([]model.TransactionRecord, error)                      // Most recent transactions first
	GetStuckTransactions(ctx context.Context, createdBefore time.Time) ([]model.TransactionRecord, error)     // PREPARED transactions older than createdBefore
	AbortStuckTransaction(ctx context.Context, txID string, at time.Time) (bool, error)                        // PREPARED -> ABORTED, false when the status already moved
}
