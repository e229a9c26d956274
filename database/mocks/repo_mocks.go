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

package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xferhq/xfer/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) RecordTransaction(ctx context.Context, record *model.TransactionRecord) (*model.TransactionRecord, error) {
	args := m.Called(ctx, record)
	if fn, ok := args.Get(0).(func(context.Context, *model.TransactionRecord) (*model.TransactionRecord, error)); ok {
		return fn(ctx, record)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransactionRecord), args.Error(1)
}

func (m *MockDataSource) GetTransaction(ctx context.Context, txID string) (*model.TransactionRecord, error) {
	args := m.Called(ctx, txID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransactionRecord), args.Error(1)
}

func (m *MockDataSource) GetAllTransactions(ctx context.Context, limit int) ([]model.TransactionRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]model.TransactionRecord), args.Error(1)
}

func (m *MockDataSource) GetStuckTransactions(ctx context.Context, createdBefore time.Time) ([]model.TransactionRecord, error) {
	args := m.Called(ctx, createdBefore)
	return args.Get(0).([]model.TransactionRecord), args.Error(1)
}

func (m *MockDataSource) AbortStuckTransaction(ctx context.Context, txID string, at time.Time) (bool, error) {
	args := m.Called(ctx, txID, at)
	return args.Bool(0), args.Error(1)
}
