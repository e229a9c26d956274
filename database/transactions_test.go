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
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xferhq/xfer/internal/apierror"
	"github.com/xferhq/xfer/internal/cache"
	"github.com/xferhq/xfer/model"
)

type mockCache struct {
	data map[string]model.TransactionRecord
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string]model.TransactionRecord)}
}

func (m *mockCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.data[key] = *value.(*model.TransactionRecord)
	return nil
}

func (m *mockCache) Get(_ context.Context, key string, data interface{}) error {
	v, ok := m.data[key]
	if !ok {
		return cache.ErrMiss
	}
	*data.(*model.TransactionRecord) = v
	return nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func fakeRecord(status model.TransactionStatus) *model.TransactionRecord {
	now := time.Now().UTC().Truncate(time.Second)
	ready := model.ParticipantOutcome{Name: "bank_a", Role: model.RoleDebit, URL: "http://bank-a", PrepareStatus: model.PrepareReady, CommitStatus: model.CommitCommitted}
	return &model.TransactionRecord{
		TxID:         gofakeit.UUID(),
		Status:       status,
		Participants: []model.ParticipantOutcome{ready},
		Amount:       decimal.NewFromFloat(gofakeit.Price(1, 1000)).Round(2),
		FromAccount:  int64(gofakeit.Number(1, 1000)),
		ToAccount:    int64(gofakeit.Number(1001, 2000)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func recordRow(rows *sqlmock.Rows, r *model.TransactionRecord) *sqlmock.Rows {
	participants, _ := json.Marshal(r.Participants)
	return rows.AddRow(r.TxID, string(r.Status), participants, r.Amount.String(), r.FromAccount, r.ToAccount, r.CreatedAt, r.UpdatedAt)
}

func transactionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"tx_id", "status", "participants", "amount", "from_account", "to_account", "created_at", "updated_at"})
}

func TestRecordTransaction_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	record := fakeRecord(model.StatusCommitted)
	participants, _ := json.Marshal(record.Participants)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions(tx_id, status, participants, amount, from_account, to_account, created_at, updated_at)")).
		WithArgs(record.TxID, "COMMITTED", participants, record.Amount.String(), record.FromAccount, record.ToAccount, record.CreatedAt, record.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	got, err := ds.RecordTransaction(context.Background(), record)
	assert.NoError(t, err)
	assert.Equal(t, record, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransaction_StoresSerializedOutcomes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	record := fakeRecord(model.StatusAborted)
	record.ParticipantsJSON = json.RawMessage(`[{"name":"bank_a","prepare_status":"READY"}]`)

	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(record.TxID, "ABORTED", []byte(record.ParticipantsJSON), record.Amount.String(), record.FromAccount, record.ToAccount, record.CreatedAt, record.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = ds.RecordTransaction(context.Background(), record)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransaction_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	mock.ExpectExec("INSERT INTO transactions").WillReturnError(&pq.Error{Code: "23505"})

	_, err = ds.RecordTransaction(context.Background(), fakeRecord(model.StatusAborted))
	assert.True(t, apierror.HasCode(err, apierror.ErrConflict))
}

func TestRecordTransaction_Failure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	mock.ExpectExec("INSERT INTO transactions").WillReturnError(errors.New("connection reset"))

	_, err = ds.RecordTransaction(context.Background(), fakeRecord(model.StatusAborted))
	assert.True(t, apierror.HasCode(err, apierror.ErrInternalServer))
}

func TestGetTransaction_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	c := newMockCache()
	ds := Datasource{Conn: db, Cache: c}
	record := fakeRecord(model.StatusCommitted)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE tx_id = $1")).
		WithArgs(record.TxID).
		WillReturnRows(recordRow(transactionRows(), record))

	got, err := ds.GetTransaction(context.Background(), record.TxID)
	require.NoError(t, err)
	assert.Equal(t, record.TxID, got.TxID)
	assert.Equal(t, model.StatusCommitted, got.Status)
	assert.True(t, record.Amount.Equal(got.Amount))
	assert.Equal(t, record.Participants, got.Participants)

	// second read is served from the cache
	got, err = ds.GetTransaction(context.Background(), record.TxID)
	require.NoError(t, err)
	assert.Equal(t, record.TxID, got.TxID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransaction_PreparedNotCached(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	c := newMockCache()
	ds := Datasource{Conn: db, Cache: c}
	record := fakeRecord(model.StatusPrepared)

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE tx_id = $1")).
			WithArgs(record.TxID).
			WillReturnRows(recordRow(transactionRows(), record))
	}

	for i := 0; i < 2; i++ {
		got, err := ds.GetTransaction(context.Background(), record.TxID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPrepared, got.Status)
	}
	assert.Empty(t, c.data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransaction_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("FROM transactions WHERE tx_id").
		WithArgs("missing").
		WillReturnRows(transactionRows())

	_, err = ds.GetTransaction(context.Background(), "missing")
	assert.True(t, apierror.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAllTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	newer, older := fakeRecord(model.StatusCommitted), fakeRecord(model.StatusAborted)
	rows := recordRow(recordRow(transactionRows(), newer), older)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions ORDER BY id DESC LIMIT $1")).
		WithArgs(2).
		WillReturnRows(rows)

	got, err := ds.GetAllTransactions(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.TxID, got[0].TxID)
	assert.Equal(t, older.TxID, got[1].TxID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAllTransactions_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("FROM transactions ORDER BY id DESC").WillReturnRows(transactionRows())

	got, err := ds.GetAllTransactions(context.Background(), 50)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGetStuckTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	cutoff := time.Now().UTC().Add(-5 * time.Minute)
	stuck := fakeRecord(model.StatusPrepared)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND created_at < $2")).
		WithArgs("PREPARED", cutoff).
		WillReturnRows(recordRow(transactionRows(), stuck))

	got, err := ds.GetStuckTransactions(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stuck.TxID, got[0].TxID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAbortStuckTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	c := newMockCache()
	ds := Datasource{Conn: db, Cache: c}
	now := time.Now().UTC()
	c.data[transactionCacheKey("tx-1")] = *fakeRecord(model.StatusPrepared)

	update := regexp.QuoteMeta("UPDATE transactions SET status = $1, updated_at = $2 WHERE tx_id = $3 AND status = $4")
	mock.ExpectExec(update).WithArgs("ABORTED", now, "tx-1", "PREPARED").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).WithArgs("ABORTED", now, "tx-2", "PREPARED").WillReturnResult(sqlmock.NewResult(0, 0))

	aborted, err := ds.AbortStuckTransaction(context.Background(), "tx-1", now)
	require.NoError(t, err)
	assert.True(t, aborted)
	assert.NotContains(t, c.data, transactionCacheKey("tx-1"))

	aborted, err = ds.AbortStuckTransaction(context.Background(), "tx-2", now)
	require.NoError(t, err)
	assert.False(t, aborted, "a transaction that left PREPARED is not touched")
	assert.NoError(t, mock.ExpectationsWereMet())
}
