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
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/xferhq/xfer/config"
	"github.com/xferhq/xfer/internal/metrics"
	"github.com/xferhq/xfer/internal/participant"
	"github.com/xferhq/xfer/model"
)

var tracer = otel.Tracer("xfer.twopc")

// Coordinator drives sessions against a fixed participant list. It holds no per-transaction state,
// so one Coordinator serves any number of concurrent sessions.
type Coordinator struct {
	participants []model.Participant
	caller       participant.Caller
	timeout      time.Duration
	maxRetries   int
	metrics      *metrics.Metrics
	newID        func() string
}

func NewCoordinator(cfg *config.Configuration, caller participant.Caller, m *metrics.Metrics) *Coordinator {
	participants := make([]model.Participant, len(cfg.Participants))
	copy(participants, cfg.Participants)

	return &Coordinator{
		participants: participants,
		caller:       caller,
		timeout:      cfg.Transaction.RequestTimeout(),
		maxRetries:   cfg.Transaction.Retries(),
		metrics:      m,
		newID:        uuid.NewString,
	}
}

// Participants returns the configured participants in call order.
func (c *Coordinator) Participants() []model.Participant {
	out := make([]model.Participant, len(c.participants))
	copy(out, c.participants)
	return out
}

// Begin opens a session with a fresh transaction id and one unset outcome per participant.
func (c *Coordinator) Begin(transfer model.Transfer) *Session {
	outcomes := make([]model.ParticipantOutcome, 0, len(c.participants))
	for _, p := range c.participants {
		outcomes = append(outcomes, model.NewParticipantOutcome(p))
	}
	return &Session{
		TxID:     c.newID(),
		Transfer: transfer,
		state:    StateInit,
		outcomes: outcomes,
	}
}

// Prepare asks each participant in order to prepare and stops at the first one that is not READY.
// It returns true only when every participant is READY.
func (c *Coordinator) Prepare(ctx context.Context, s *Session) bool {
	if !c.enter(s, StateInit, StatePreparing, "prepare") {
		return false
	}
	ctx, span := tracer.Start(ctx, "Prepare")
	defer span.End()
	span.SetAttributes(attribute.String("tx_id", s.TxID))
	defer c.metrics.ObservePhase("prepare", time.Now())

	for i := range s.outcomes {
		o := &s.outcomes[i]
		reply := c.caller.Call(ctx, o.Participant(), participant.EndpointPrepare, s.payload(o), c.timeout, c.maxRetries)
		o.PrepareStatus = model.PrepareStatus(reply.Status)
		if !reply.Reached() {
			o.SetError(reply.Err)
		}

		if !o.Ready() {
			logrus.WithFields(logrus.Fields{
				"tx_id":       s.TxID,
				"participant": o.Name,
				"status":      o.PrepareStatus,
			}).Warn("prepare refused, aborting transaction")
			span.SetStatus(codes.Error, "prepare refused by "+o.Name)
			s.state = StatePrepareFailed
			return false
		}
	}

	s.state = StatePreparedOK
	return true
}

// Commit asks every READY participant to commit. Participants that are not READY are marked SKIPPED.
// When any commit is not settled the READY participants are rolled back and Commit returns false.
func (c *Coordinator) Commit(ctx context.Context, s *Session) bool {
	if !c.enter(s, StatePreparedOK, StateCommitting, "commit") {
		return false
	}
	ctx, span := tracer.Start(ctx, "Commit")
	defer span.End()
	span.SetAttributes(attribute.String("tx_id", s.TxID))
	started := time.Now()

	settled := true
	for i := range s.outcomes {
		o := &s.outcomes[i]
		if !o.Ready() {
			o.CommitStatus = model.CommitSkipped
			continue
		}

		reply := c.caller.Call(ctx, o.Participant(), participant.EndpointCommit, s.payload(o), c.timeout, c.maxRetries)
		if !reply.Reached() {
			o.CommitStatus = model.CommitError
			o.SetError(reply.Err)
		} else {
			o.CommitStatus = model.CommitStatus(reply.Status)
		}

		if !o.CommitStatus.Settled() {
			settled = false
			logrus.WithFields(logrus.Fields{
				"tx_id":       s.TxID,
				"participant": o.Name,
				"status":      o.CommitStatus,
			}).Error("commit failed")
		}
	}
	c.metrics.ObservePhase("commit", started)

	if !settled {
		span.SetStatus(codes.Error, "commit not settled")
		s.state = StateCommitFailed
		c.rollback(ctx, s)
		return false
	}

	s.state = StateCommitOK
	return true
}

// Abort closes a session whose prepare phase failed. READY participants will never be asked to
// commit, so they are marked SKIPPED and rolled back. The refusing participant stays unset.
func (c *Coordinator) Abort(ctx context.Context, s *Session) bool {
	if s.state != StatePrepareFailed {
		c.refuse(s, "abort")
		return false
	}
	for i := range s.outcomes {
		if s.outcomes[i].Ready() {
			s.outcomes[i].CommitStatus = model.CommitSkipped
		}
	}
	c.rollback(ctx, s)
	return true
}

// Rollback releases every READY participant of a failed session. Each participant gets one attempt;
// failures are appended to its error and never returned.
func (c *Coordinator) Rollback(ctx context.Context, s *Session) bool {
	if s.state != StateCommitFailed && s.state != StatePrepareFailed {
		c.refuse(s, "rollback")
		return false
	}
	c.rollback(ctx, s)
	return true
}

func (c *Coordinator) rollback(ctx context.Context, s *Session) {
	ctx, span := tracer.Start(ctx, "Rollback")
	defer span.End()
	span.SetAttributes(attribute.String("tx_id", s.TxID))
	defer c.metrics.ObservePhase("rollback", time.Now())

	s.state = StateRollingBack
	payload := model.RollbackPayload{TxID: s.TxID}
	for i := range s.outcomes {
		o := &s.outcomes[i]
		if !o.Ready() {
			continue
		}
		if err := c.caller.Send(ctx, o.Participant(), participant.EndpointRollback, payload, c.timeout); err != nil {
			o.AppendError("rollback_err=" + err.Error())
			logrus.WithFields(logrus.Fields{
				"tx_id":       s.TxID,
				"participant": o.Name,
				"error":       err.Error(),
			}).Error("rollback not acknowledged")
		}
	}
	s.state = StateRolledBack
}

func (c *Coordinator) enter(s *Session, from, to State, phase string) bool {
	if s.state != from {
		c.refuse(s, phase)
		return false
	}
	s.state = to
	return true
}

func (c *Coordinator) refuse(s *Session, phase string) {
	logrus.WithFields(logrus.Fields{
		"tx_id": s.TxID,
		"phase": phase,
		"state": s.state,
	}).Warn("phase called out of order, ignoring")
}
