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

// PrepareStatus is a participant's vote in the prepare phase. Statuses returned by a participant that
// are not listed here are kept verbatim and count as a failed vote.
type PrepareStatus string

const (
	PrepareUnset       PrepareStatus = ""
	PrepareReady       PrepareStatus = "READY"
	PrepareAbort       PrepareStatus = "ABORT"
	PrepareError       PrepareStatus = "ERROR"
	PrepareUnreachable PrepareStatus = "UNREACHABLE"
)

// CommitStatus is a participant's answer in the commit phase.
type CommitStatus string

const (
	CommitUnset     CommitStatus = ""
	CommitCommitted CommitStatus = "COMMITTED"
	CommitAbort     CommitStatus = "ABORT"
	CommitError     CommitStatus = "ERROR"
	CommitSkipped   CommitStatus = "SKIPPED"
)

// Settled reports whether the commit status needs no rollback.
func (s CommitStatus) Settled() bool {
	return s == CommitCommitted || s == CommitSkipped
}

// ParticipantOutcome is the coordinator's view of one participant within one transaction.
type ParticipantOutcome struct {
	Name          string        `json:"name"`
	Role          Role          `json:"role"`
	URL           string        `json:"url"`
	PrepareStatus PrepareStatus `json:"prepare_status"`
	CommitStatus  CommitStatus  `json:"commit_status"`
	Error         *string       `json:"error"`
}

// NewParticipantOutcome returns an outcome for p with every status unset.
func NewParticipantOutcome(p Participant) ParticipantOutcome {
	return ParticipantOutcome{Name: p.Name, Role: p.Role, URL: p.URL}
}

// Participant returns the descriptor the outcome was built from.
func (o ParticipantOutcome) Participant() Participant {
	return Participant{Name: o.Name, URL: o.URL, Role: o.Role}
}

// Ready reports whether the participant voted READY.
func (o ParticipantOutcome) Ready() bool {
	return o.PrepareStatus == PrepareReady
}

// SetError replaces the recorded error text.
func (o *ParticipantOutcome) SetError(msg string) {
	o.Error = &msg
}

// AppendError adds msg to the recorded error text, keeping what was there before.
func (o *ParticipantOutcome) AppendError(msg string) {
	if o.Error == nil || *o.Error == "" {
		o.SetError(msg)
		return
	}
	joined := *o.Error + "; " + msg
	o.Error = &joined
}
