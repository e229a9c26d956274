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

package twopc

import (
	"encoding/json"

	"github.com/xferhq/xfer/model"
)

// State is where a Session is in the protocol.
type State string

const (
	StateInit          State = "INIT"
	StatePreparing     State = "PREPARING"
	StatePreparedOK    State = "PREPARED_OK"
	StatePrepareFailed State = "PREPARE_FAILED"
	StateCommitting    State = "COMMITTING"
	StateCommitOK      State = "COMMIT_OK"
	StateCommitFailed  State = "COMMIT_FAILED"
	StateRollingBack   State = "ROLLING_BACK"
	StateRolledBack    State = "ROLLED_BACK"
)

// Session carries one transaction through the protocol. It is owned by a single caller and is not
// safe for concurrent use.
type Session struct {
	TxID     string
	Transfer model.Transfer

	state    State
	outcomes []model.ParticipantOutcome
}

func (s *Session) State() State {
	return s.state
}

// Committed reports whether the commit phase finished with every participant settled.
func (s *Session) Committed() bool {
	return s.state == StateCommitOK
}

// Outcomes returns a copy of the per-participant outcomes in configuration order.
func (s *Session) Outcomes() []model.ParticipantOutcome {
	out := make([]model.ParticipantOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// Serialize renders the outcome list the way it is persisted. It does not change the session.
func (s *Session) Serialize() (json.RawMessage, error) {
	return json.Marshal(s.outcomes)
}

func (s *Session) payload(o *model.ParticipantOutcome) model.PhasePayload {
	return o.Role.Payload(s.TxID, s.Transfer)
}
