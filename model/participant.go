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
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Role decides which side of a transfer a participant applies and therefore the payload it receives.
type Role string

const (
	RoleDebit  Role = "debit"
	RoleCredit Role = "credit"
	RoleMirror Role = "mirror"
)

// ParseRole returns the Role named by s. Unknown roles are rejected so a Role value is always one of
// the three known variants.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleDebit:
		return RoleDebit, nil
	case RoleCredit:
		return RoleCredit, nil
	case RoleMirror:
		return RoleMirror, nil
	}
	return "", fmt.Errorf("unknown participant role %q: expected debit, credit or mirror", s)
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Participant describes one account service taking part in a transfer. It is read-only for the
// lifetime of the process.
type Participant struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Role Role   `json:"role"`
}

// NewParticipant builds a Participant with surrounding whitespace and trailing slashes removed from
// the base URL.
func NewParticipant(name, url string, role Role) Participant {
	return Participant{
		Name: strings.TrimSpace(name),
		URL:  strings.TrimRight(strings.TrimSpace(url), "/"),
		Role: role,
	}
}

// Endpoint joins the participant base URL with one of its protocol paths (prepare, commit, rollback, health).
func (p Participant) Endpoint(path string) string {
	return p.URL + "/" + strings.TrimLeft(path, "/")
}

// Transfer is the money movement a transaction coordinates.
type Transfer struct {
	Amount      decimal.Decimal `json:"amount"`
	FromAccount int64           `json:"from_account"`
	ToAccount   int64           `json:"to_account"`
}

// PhasePayload is the body of a prepare or commit call. Only the account fields relevant to the
// participant's role are set.
type PhasePayload struct {
	TxID        string      `json:"tx_id"`
	Amount      json.Number `json:"amount"`
	FromAccount *int64      `json:"from_account,omitempty"`
	ToAccount   *int64      `json:"to_account,omitempty"`
}

// RollbackPayload is the body of a rollback call.
type RollbackPayload struct {
	TxID string `json:"tx_id"`
}

// Payload builds the prepare/commit body for this role.
func (r Role) Payload(txID string, t Transfer) PhasePayload {
	from, to := t.FromAccount, t.ToAccount
	payload := PhasePayload{TxID: txID, Amount: json.Number(t.Amount.String())}

	switch r {
	case RoleDebit:
		payload.FromAccount = &from
	case RoleCredit:
		payload.ToAccount = &to
	case RoleMirror:
		payload.FromAccount = &from
		payload.ToAccount = &to
	default:
		panic(fmt.Sprintf("model: payload requested for unknown role %q", string(r)))
	}
	return payload
}
