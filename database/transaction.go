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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/xferhq/xfer/internal/apierror"
	"github.com/xferhq/xfer/internal/cache"
	"github.com/xferhq/xfer/model"
)

const (
	transactionColumns = `tx_id, status, participants, amount, from_account, to_account, created_at, updated_at`
	transactionTTL     = 5 * time.Minute
	uniqueViolation    = "23505"
)

func transactionCacheKey(txID string) string {
	return fmt.Sprintf("transaction:%s", txID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*model.TransactionRecord, error) {
	record := &model.TransactionRecord{}
	var participantsJSON []byte
	err := row.Scan(&record.TxID, &record.Status, &participantsJSON, &record.Amount,
		&record.FromAccount, &record.ToAccount, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participantsJSON, &record.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	return record, nil
}

func (d Datasource) RecordTransaction(ctx context.Context, record *model.TransactionRecord) (*model.TransactionRecord, error) {
	ctx, span := otel.Tracer("xfer.database").Start(ctx, "Saving transaction to db")
	defer span.End()

	participantsJSON := []byte(record.ParticipantsJSON)
	if len(participantsJSON) == 0 {
		var err error
		participantsJSON, err = json.Marshal(record.Participants)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal participants", err)
		}
	}

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO transactions(`+transactionColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		record.TxID, record.Status, participantsJSON, record.Amount.String(), record.FromAccount, record.ToAccount, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' already recorded", record.TxID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction", err)
	}

	return record, nil
}

// GetTransaction reads through the cache when one is configured. Only records that can no longer
// change are cached.
func (d Datasource) GetTransaction(ctx context.Context, txID string) (*model.TransactionRecord, error) {
	ctx, span := otel.Tracer("xfer.database").Start(ctx, "Fetching transaction from db")
	defer span.End()

	if d.Cache != nil {
		var cached model.TransactionRecord
		err := d.Cache.Get(ctx, transactionCacheKey(txID), &cached)
		if err == nil && cached.TxID != "" {
			return &cached, nil
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			logrus.WithError(err).Warn("transaction cache read failed")
		}
	}

	row := d.Conn.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE tx_id = $1`, txID)
	record, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", txID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}

	// PREPARED records can still be aborted by a sweep in another process, whose eviction would
	// miss this process's local cache tier.
	if d.Cache != nil && record.Status != model.StatusPrepared {
		if err := d.Cache.Set(ctx, transactionCacheKey(txID), record, transactionTTL); err != nil {
			logrus.WithError(err).Warn("failed to cache transaction")
		}
	}
	return record, nil
}

func (d Datasource) GetAllTransactions(ctx context.Context, limit int) ([]model.TransactionRecord, error) {
	ctx, span := otel.Tracer("xfer.database").Start(ctx, "Listing transactions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transactions", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (d Datasource) GetStuckTransactions(ctx context.Context, createdBefore time.Time) ([]model.TransactionRecord, error) {
	ctx, span := otel.Tracer("xfer.database").Start(ctx, "Fetching stuck transactions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE status = $1 AND created_at < $2 ORDER BY id ASC`,
		model.StatusPrepared, createdBefore,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck transactions", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// AbortStuckTransaction moves a PREPARED transaction to ABORTED. The update is conditional on the
// status still being PREPARED, so a transaction finished concurrently is left alone and false is
// returned.
func (d Datasource) AbortStuckTransaction(ctx context.Context, txID string, at time.Time) (bool, error) {
	ctx, span := otel.Tracer("xfer.database").Start(ctx, "Aborting stuck transaction")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx,
		`UPDATE transactions SET status = $1, updated_at = $2 WHERE tx_id = $3 AND status = $4`,
		model.StatusAborted, at, txID, model.StatusPrepared,
	)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to abort transaction", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}

	if affected > 0 && d.Cache != nil {
		if err := d.Cache.Delete(ctx, transactionCacheKey(txID)); err != nil {
			logrus.WithError(err).Warn("failed to evict reconciled transaction from cache")
		}
	}
	return affected > 0, nil
}

func collectTransactions(rows *sql.Rows) ([]model.TransactionRecord, error) {
	records := []model.TransactionRecord{}
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction data", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transactions", err)
	}
	return records, nil
}
