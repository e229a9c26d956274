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
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/xferhq/xfer/model"
)

// TransferRequest is the body of POST /transfer. Accounts are pointers so an absent field can be
// told apart from account 0.
type TransferRequest struct {
	Amount      float64 `json:"amount"`
	FromAccount *int64  `json:"from_account"`
	ToAccount   *int64  `json:"to_account"`
}

func positiveAmount(value interface{}) error {
	amount, _ := value.(float64)
	if amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

func (t *TransferRequest) Validate() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Amount, validation.By(positiveAmount)),
		validation.Field(&t.FromAccount, validation.NotNil),
		validation.Field(&t.ToAccount, validation.NotNil),
	)
}

// TransferResponse is how a transaction record is shown to API clients.
type TransferResponse struct {
	TxID         string                     `json:"tx_id"`
	Status       model.TransactionStatus    `json:"status"`
	Participants []model.ParticipantOutcome `json:"participants"`
}

func NewTransferResponse(r *model.TransactionRecord) TransferResponse {
	participants := r.Participants
	if participants == nil {
		participants = []model.ParticipantOutcome{}
	}
	return TransferResponse{TxID: r.TxID, Status: r.Status, Participants: participants}
}
