// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/fsm"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	fulfillmentLog     *zerolog.Logger
	fulfillmentLogOnce sync.Once
)

func getFulfillmentLog() *zerolog.Logger {
	fulfillmentLogOnce.Do(func() {
		l := logger.GetFulfillmentLogger()
		fulfillmentLog = &l
	})
	return fulfillmentLog
}

// startFulfillment moves a created step into its first auction
func (e *Engine) startFulfillment(ctx context.Context, tx *database.GormDB, out *outbox, step *models.WorkflowStep) error {
	if err := e.transitionStep(ctx, tx, out, step, models.StepEventFulfill); err != nil {
		return err
	}
	return e.openRequest(ctx, tx, out, step)
}

// openRequest creates the step's next JobRequest and broadcasts it
func (e *Engine) openRequest(ctx context.Context, tx *database.GormDB, out *outbox, step *models.WorkflowStep) error {
	req := &models.JobRequest{StepID: step.ID, Attempt: step.Attempts}
	if err := tx.CreateRequest(ctx, req); err != nil {
		return fmt.Errorf("failed to create job request for step %s: %w", step.StepName, err)
	}
	if err := e.transitionRequest(ctx, tx, out, req, models.RequestEventFulfill); err != nil {
		return err
	}

	out.send(protocol.FulfillmentTopic(e.opts.Exchange, protocol.RoleAgent), &protocol.JobFulfillmentRequest{
		RequestID:   req.ID,
		JobTypeName: step.JobTypeName,
		Parameters:  protocol.ParametersFromMap(step.Parameters),
	})
	out.watch = append(out.watch, req.ID)

	getFulfillmentLog().Info().
		Str("workflow_id", step.WorkflowID).
		Str("step", step.StepName).
		Str("request_id", req.ID).
		Int("attempt", req.Attempt).
		Msg("Opened job fulfillment request")
	return nil
}

// closeRequests retires every request of the step that could still match or be matched
func (e *Engine) closeRequests(ctx context.Context, tx *database.GormDB, out *outbox, step *models.WorkflowStep) error {
	reqs, err := tx.GetRequestsByStep(ctx, step.ID)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		var event fsm.Event
		switch req.State {
		case models.RequestFulfilling:
			event = models.RequestEventGiveUp
		case models.RequestFulfilled:
			event = models.RequestEventExpire
		default:
			continue
		}
		if err := e.transitionRequest(ctx, tx, out, req, event); err != nil {
			return err
		}
		out.unwatch = append(out.unwatch, req.ID)
	}
	return nil
}

// HandleDecline records an agent's refusal. The request stays open for other agents.
func (e *Engine) HandleDecline(ctx context.Context, msg *protocol.JobFulfillmentDecline) error {
	req, err := e.db.GetRequest(ctx, msg.RequestID)
	if err != nil {
		return err
	}
	getFulfillmentLog().Info().
		Str("request_id", req.ID).
		Str("state", string(req.State)).
		Str("message", msg.Message).
		Msg("Job fulfillment declined")
	e.metrics.Offer("declined")
	return nil
}

// HandleOffer accepts the first offer for a request that is still fulfilling and
// rejects every other. Repeated offer ids are ignored.
func (e *Engine) HandleOffer(ctx context.Context, msg *protocol.JobFulfillmentOffer, replyTo string) error {
	req, err := e.db.GetRequest(ctx, msg.RequestID)
	if err != nil {
		return err
	}
	step, err := e.db.GetStep(ctx, req.StepID)
	if err != nil {
		return err
	}

	return e.withWorkflow(ctx, step.WorkflowID, func(tx *database.GormDB, out *outbox) error {
		offer := &models.JobOffer{
			ID:        msg.OfferID,
			RequestID: msg.RequestID,
			ReplyTo:   replyTo,
			Message:   msg.Message,
			ExpiresAt: msg.Expiration,
		}
		if err := tx.CreateOffer(ctx, offer); err != nil {
			if errors.Is(err, database.ErrAlreadyExists) {
				getFulfillmentLog().Debug().Str("offer_id", msg.OfferID).Msg("Ignoring repeated offer")
				return nil
			}
			return err
		}

		req, err := tx.GetRequest(ctx, msg.RequestID)
		if err != nil {
			return err
		}

		accepted := false
		switch {
		case offer.ExpiresAt != nil && offer.ExpiresAt.Before(time.Now()):
			getFulfillmentLog().Info().Str("offer_id", offer.ID).Msg("Offer already expired")
		case req.State == models.RequestFulfilling:
			err := e.transitionRequest(ctx, tx, out, req, models.RequestEventMarkFulfilled)
			switch {
			case err == nil:
				accepted = true
			case errors.Is(err, database.ErrStaleState):
				getFulfillmentLog().Info().Str("request_id", req.ID).Msg("Lost acceptance race")
			default:
				return err
			}
		}

		if accepted {
			if err := e.transitionOffer(ctx, tx, out, offer, models.OfferEventAccept); err != nil {
				return err
			}
			out.offers = append(out.offers, "accepted")
			out.send(offer.ReplyTo, &protocol.JobFulfillmentOfferAccept{
				RequestID: req.ID,
				OfferID:   offer.ID,
				Message:   "Offer accepted",
			})
		} else {
			if err := e.transitionOffer(ctx, tx, out, offer, models.OfferEventReject); err != nil {
				return err
			}
			out.offers = append(out.offers, "rejected")
			out.send(offer.ReplyTo, &protocol.JobFulfillmentOfferReject{
				RequestID: req.ID,
				OfferID:   offer.ID,
				Message:   fmt.Sprintf("Request is %s", req.State),
			})
		}

		getFulfillmentLog().Info().
			Str("workflow_id", step.WorkflowID).
			Str("step", step.StepName).
			Str("request_id", req.ID).
			Str("offer_id", offer.ID).
			Str("outcome", string(offer.State)).
			Msg("Answered offer")
		return nil
	})
}

// HandleJobQueued links the agent's job to its step, marks the step fulfilled, asks
// the agent for the job's status and releases any data the job can now receive
func (e *Engine) HandleJobQueued(ctx context.Context, msg *protocol.JobQueued, replyTo string) error {
	offer, err := e.db.GetOffer(ctx, msg.OfferID)
	if err != nil {
		return err
	}
	req, err := e.db.GetRequest(ctx, offer.RequestID)
	if err != nil {
		return err
	}
	step, err := e.db.GetStep(ctx, req.StepID)
	if err != nil {
		return err
	}

	return e.withWorkflow(ctx, step.WorkflowID, func(tx *database.GormDB, out *outbox) error {
		offer, err := tx.GetOffer(ctx, msg.OfferID)
		if err != nil {
			return err
		}
		req, err := tx.GetRequest(ctx, offer.RequestID)
		if err != nil {
			return err
		}
		step, err := tx.GetStep(ctx, req.StepID)
		if err != nil {
			return err
		}

		if offer.State != models.OfferAccepted || req.State != models.RequestFulfilled ||
			req.Attempt != step.Attempts || step.State != models.StepFulfilling {
			return fmt.Errorf("job %s does not answer the current auction of step %s (offer %s, request %s, step %s): %w",
				msg.JobID, step.StepName, offer.State, req.State, step.State, fsm.ErrInvalidTransition)
		}

		if replyTo == "" {
			replyTo = offer.ReplyTo
		}
		job := &models.Job{ID: msg.JobID, OfferID: offer.ID, StepID: step.ID, ReplyTo: replyTo}
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}

		jobID := job.ID
		step.CurrentJobID = &jobID
		if err := e.transitionStep(ctx, tx, out, step, models.StepEventMarkFulfilled); err != nil {
			return err
		}
		out.unwatch = append(out.unwatch, req.ID)
		out.send(job.ReplyTo, &protocol.JobStatusRequest{JobID: job.ID})

		getFulfillmentLog().Info().
			Str("workflow_id", step.WorkflowID).
			Str("step", step.StepName).
			Str("job_id", job.ID).
			Msg("Step fulfilled")

		return e.flushDataflows(ctx, tx, out, step.WorkflowID)
	})
}

// Refulfill re-auctions a step. It returns ErrAttemptsExhausted when the step had no
// attempts left and was failed instead.
func (e *Engine) Refulfill(ctx context.Context, stepID string) error {
	step, err := e.db.GetStep(ctx, stepID)
	if err != nil {
		return err
	}

	exhausted := false
	err = e.withWorkflow(ctx, step.WorkflowID, func(tx *database.GormDB, out *outbox) error {
		step, err := tx.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(ctx, step.WorkflowID)
		if err != nil {
			return err
		}
		exhausted, err = e.refulfill(ctx, tx, out, wf, step)
		return err
	})
	if err != nil {
		return err
	}
	if exhausted {
		return fmt.Errorf("step %s: %w", step.StepName, ErrAttemptsExhausted)
	}
	return nil
}

// refulfill retires the step's requests and opens a new one. When the retry guard
// refuses, the step is failed and exhausted is true.
func (e *Engine) refulfill(ctx context.Context, tx *database.GormDB, out *outbox, wf *models.Workflow, step *models.WorkflowStep) (exhausted bool, err error) {
	if err := e.transitionStep(ctx, tx, out, step, models.StepEventFulfillAgain); err != nil {
		if errors.Is(err, fsm.ErrGuardNotSatisfied) {
			return true, e.exhaust(ctx, tx, out, wf, step)
		}
		return false, err
	}

	if step.HasJob() {
		step.CurrentJobID = nil
		if err := tx.SaveStepTransition(ctx, step, step.State); err != nil {
			return false, err
		}
	}

	reqs, err := tx.GetRequestsByStep(ctx, step.ID)
	if err != nil {
		return false, err
	}
	for _, req := range reqs {
		if req.State != models.RequestFulfilling && req.State != models.RequestFulfilled {
			continue
		}
		if err := e.transitionRequest(ctx, tx, out, req, models.RequestEventExpire); err != nil {
			return false, err
		}
		out.unwatch = append(out.unwatch, req.ID)
	}

	getFulfillmentLog().Info().
		Str("workflow_id", step.WorkflowID).
		Str("step", step.StepName).
		Int("attempts", step.Attempts).
		Int("max_attempts", step.MaxAttempts).
		Msg("Re-auctioning step")
	return false, e.openRequest(ctx, tx, out, step)
}

// exhaust gives up on a step whose attempts are spent
func (e *Engine) exhaust(ctx context.Context, tx *database.GormDB, out *outbox, wf *models.Workflow, step *models.WorkflowStep) error {
	getFulfillmentLog().Warn().
		Err(ErrAttemptsExhausted).
		Str("workflow_id", step.WorkflowID).
		Str("step", step.StepName).
		Int("attempts", step.Attempts).
		Msg("Giving up on step")

	if err := e.closeRequests(ctx, tx, out, step); err != nil {
		return err
	}
	if err := e.transitionStep(ctx, tx, out, step, models.StepEventFail); err != nil {
		return err
	}
	out.reportError(wf.ID, fmt.Sprintf("Step %s failed", step.StepName), ErrAttemptsExhausted)

	if e.opts.Fulfillment.FailWorkflowOnExhaustion && !wf.State.Terminal() {
		return e.transitionWorkflow(ctx, tx, out, wf, models.WorkflowEventFail)
	}
	return nil
}

// expireRequest is the request timer's callback. The request only counts while it
// is the step's current attempt and the step has no queued job; both are checked
// under the workflow lock since JobQueued may have won the race.
func (e *Engine) expireRequest(ctx context.Context, requestID string) {
	req, err := e.db.GetRequest(ctx, requestID)
	if err != nil {
		getFulfillmentLog().Error().Err(err).Str("request_id", requestID).Msg("Expired request vanished")
		return
	}
	step, err := e.db.GetStep(ctx, req.StepID)
	if err != nil {
		getFulfillmentLog().Error().Err(err).Str("request_id", requestID).Msg("Expired request has no step")
		return
	}

	exhausted := false
	err = e.withWorkflow(ctx, step.WorkflowID, func(tx *database.GormDB, out *outbox) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		step, err := tx.GetStep(ctx, req.StepID)
		if err != nil {
			return err
		}
		open := req.State == models.RequestFulfilling || req.State == models.RequestFulfilled
		if !open || req.Attempt != step.Attempts || step.State != models.StepFulfilling {
			getFulfillmentLog().Debug().
				Str("request_id", req.ID).
				Str("request_state", string(req.State)).
				Str("step", step.StepName).
				Str("step_state", string(step.State)).
				Msg("Request expired after it stopped mattering")
			return nil
		}

		wf, err := tx.GetWorkflow(ctx, step.WorkflowID)
		if err != nil {
			return err
		}
		exhausted, err = e.refulfill(ctx, tx, out, wf, step)
		return err
	})
	switch {
	case err != nil:
		getFulfillmentLog().Error().Err(err).Str("request_id", requestID).Msg("Failed to re-auction expired request")
	case exhausted:
		getFulfillmentLog().Warn().Err(ErrAttemptsExhausted).Str("request_id", requestID).Msg("Request expired with no attempts left")
	}
}

// applyJobFailure runs the configured reaction to a failed current job
func (e *Engine) applyJobFailure(ctx context.Context, tx *database.GormDB, out *outbox, wf *models.Workflow, step *models.WorkflowStep) error {
	switch e.opts.Fulfillment.JobFailurePolicy {
	case config.JobFailureRetry:
		_, err := e.refulfill(ctx, tx, out, wf, step)
		return err
	case config.JobFailureFail:
		if err := e.transitionStep(ctx, tx, out, step, models.StepEventFail); err != nil {
			return err
		}
		if wf.State.Terminal() {
			return nil
		}
		return e.transitionWorkflow(ctx, tx, out, wf, models.WorkflowEventFail)
	default:
		getFulfillmentLog().Info().
			Str("workflow_id", step.WorkflowID).
			Str("step", step.StepName).
			Msg("Job failed; step left as is")
		return nil
	}
}
