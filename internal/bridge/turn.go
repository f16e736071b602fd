package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/rtpbridge/pkg/speech"
)

// Turn triggers reported in metrics.
const (
	triggerSilence  = "silence"
	triggerGreeting = "greeting"
)

// restingPhase is where a call goes when it stops speaking or waiting.
func (c *Call) restingPhase() Phase {
	if c.state.Accumulated > 0 {
		return PhaseListening
	}
	return PhaseIdle
}

// poll runs the periodic silence check.
func (c *Call) poll() {
	now := c.now()
	c.checkDeadline(now)
	c.checkGreeting(now)
	if c.turnDue(now) {
		c.requestTurn(now)
	}
}

// turnDue reports whether the caller has spoken enough and then gone quiet
// for long enough, with nothing else in progress.
func (c *Call) turnDue(now time.Time) bool {
	s := &c.state
	if s.Phase != PhaseIdle && s.Phase != PhaseListening {
		return false
	}
	if len(s.Queue) > 0 || !s.Deadline.IsZero() {
		return false
	}
	if s.Accumulated < c.cfg.MinAudioBytes || s.LastActivity.IsZero() {
		return false
	}
	return now.Sub(s.LastActivity) > c.cfg.SilenceThreshold
}

// requestTurn commits the caller's audio and asks the model to answer.
func (c *Call) requestTurn(now time.Time) {
	c.state.Phase = PhaseTurnRequested

	if c.state.Accumulated >= c.cfg.MinAudioBytes {
		if err := c.speech.CommitAudio(); err != nil {
			c.log.Warn("commit failed", "err", err)
			c.metrics.RecordSpeechError(context.Background(), "commit")
		}
	} else {
		c.log.Warn("caller audio too short to commit",
			"bytes", c.state.Accumulated, "min_bytes", c.cfg.MinAudioBytes)
		c.metrics.CommitsSkipped.Add(context.Background(), 1)
	}

	c.log.Info("caller went quiet, requesting response",
		"bytes", c.state.Accumulated,
		"silence", now.Sub(c.state.LastActivity))
	c.startResponse(now, c.cfg.TurnInstructions, triggerSilence)
}

// startResponse prepares a fresh outbound turn and sends response.create.
func (c *Call) startResponse(now time.Time, instructions, trigger string) {
	s := &c.state
	s.Accumulated = 0
	s.MarkerPending = true
	s.PrerollSent = false
	s.Residual = nil
	s.Deadline = now.Add(c.cfg.ResponseTimeout)
	c.requestedAt = now

	if err := c.speech.CreateResponse(instructions); err != nil {
		c.log.Warn("response request failed", "trigger", trigger, "err", err)
		c.metrics.RecordSpeechError(context.Background(), "response")
	}
	s.Phase = PhaseResponseInFlight
	c.stats.Turns++
	c.metrics.RecordTurn(context.Background(), trigger)
}

// checkDeadline gives up on a response request that was never completed.
func (c *Call) checkDeadline(now time.Time) {
	s := &c.state
	if s.Deadline.IsZero() || now.Before(s.Deadline) {
		return
	}
	s.Deadline = time.Time{}
	c.requestedAt = time.Time{}
	if s.Phase == PhaseResponseInFlight {
		s.Phase = c.restingPhase()
		c.log.Warn("response timed out", "timeout", c.cfg.ResponseTimeout)
		c.metrics.ResponseTimeouts.Add(context.Background(), 1)
	}
}

// maybeGreet requests the greeting once outbound audio can be delivered.
func (c *Call) maybeGreet(now time.Time) {
	if !c.greetPending || !c.ready() {
		return
	}
	c.greetPending = false
	if len(c.state.Queue) > 0 || !c.state.Deadline.IsZero() {
		return
	}
	c.log.Info("requesting greeting")
	c.startResponse(now, c.cfg.Greeting, triggerGreeting)
}

// checkGreeting abandons a greeting whose caller never sent RTP.
func (c *Call) checkGreeting(now time.Time) {
	if !c.greetPending || c.ready() || now.Before(c.greetUntil) {
		return
	}
	c.greetPending = false
	c.log.Warn("no rtp from caller, skipping greeting", "waited", c.cfg.GreetingTimeout)
}

// handleSpeechEvent applies one model event to the call.
func (c *Call) handleSpeechEvent(evt speech.Event) {
	switch evt.Kind {
	case speech.EventAudioDelta:
		if !c.ready() {
			c.enqueue(evt.Audio) // counted and logged as dropped
			return
		}
		if !c.requestedAt.IsZero() {
			c.metrics.RecordResponseLatency(context.Background(), c.now().Sub(c.requestedAt))
			c.requestedAt = time.Time{}
		}
		c.state.Phase = PhaseSpeaking
		c.enqueue(evt.Audio)

	case speech.EventAudioDone:
		c.closeTurn()

	case speech.EventTextDelta:
		c.log.Debug("model text", "delta", evt.Text)
		c.transcript.WriteString(evt.Text)

	case speech.EventInputCommitted:
		c.log.Debug("caller audio committed")

	case speech.EventResponseCreated:
		c.log.Info("response started")

	case speech.EventResponseDone:
		c.state.Deadline = time.Time{}
		c.requestedAt = time.Time{}
		if c.state.Phase == PhaseResponseInFlight {
			c.state.Phase = c.restingPhase()
		}
		if t := c.transcript.String(); t != "" && !strings.HasSuffix(t, "\n") {
			c.transcript.WriteByte('\n')
		}
		c.log.Info("response done", "phase", c.state.Phase.String())

	case speech.EventError:
		c.log.Warn("speech error", "err", evt.Err)
		c.metrics.RecordSpeechError(context.Background(), "event")
	}
}
