package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// OutcomeStatus classifies how a service call concluded.
type OutcomeStatus string

const (
	// OutcomeSent means the frame was written and no confirmation was
	// requested (fire-and-forget mode).
	OutcomeSent OutcomeStatus = "sent"

	// OutcomeConfirmed means the hub acknowledged the call as successful.
	OutcomeConfirmed OutcomeStatus = "confirmed"

	// OutcomeFailed means the hub explicitly reported the call as failed.
	OutcomeFailed OutcomeStatus = "failed"

	// OutcomeUnconfirmed means no result arrived before the timeout or the
	// connection dropped; the call may or may not have taken effect.
	OutcomeUnconfirmed OutcomeStatus = "unconfirmed"

	// OutcomeCancelled means the client was shut down mid-call.
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// ServiceCall describes one remote action on the hub.
type ServiceCall struct {
	Domain   string         `json:"domain"`
	Service  string         `json:"service"`
	EntityID string         `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`

	// Wait selects request/response mode: block until the hub's result
	// frame arrives or the call timeout elapses. When false the call is
	// fire-and-forget and resolves as OutcomeSent immediately after the
	// frame is written.
	Wait bool `json:"wait,omitempty"`
}

// Outcome is the resolution of one service call.
type Outcome struct {
	Status        OutcomeStatus   `json:"status"`
	CorrelationID int64           `json:"correlation_id"`
	Result        json.RawMessage `json:"result,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// CallService issues a call_service frame against the hub.
//
// Fails fast with ErrNotConnected when the client is not Listening — it
// never blocks waiting for a connection. In wait mode the context bounds the
// wait; if the context carries no deadline the configured call timeout
// applies. A timeout resolves as OutcomeUnconfirmed (distinct from an
// explicit hub-reported failure, which is OutcomeFailed + ErrCallFailed).
func (c *Client) CallService(ctx context.Context, call ServiceCall) (Outcome, error) {
	if call.Domain == "" || call.Service == "" {
		return Outcome{}, fmt.Errorf("%w: domain=%q service=%q",
			ErrInvalidService, call.Domain, call.Service)
	}
	if c.State() != StateListening {
		return Outcome{}, ErrNotConnected
	}

	serviceData := make(map[string]any, len(call.Data)+1)
	for k, v := range call.Data {
		serviceData[k] = v
	}
	if call.EntityID != "" {
		serviceData["entity_id"] = call.EntityID
	}

	id := c.nextCorrelationID()

	var ch chan callResult
	if call.Wait {
		ch = c.registerPending(id)
	}

	err := c.sendFrame(callServiceFrame{
		ID:          id,
		Type:        "call_service",
		Domain:      call.Domain,
		Service:     call.Service,
		ServiceData: serviceData,
	})
	if err != nil {
		if call.Wait {
			c.unregisterPending(id)
		}
		return Outcome{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.callsSent.Add(1)
	c.log().Debug("service call sent",
		"id", id, "domain", call.Domain, "service", call.Service,
		"entity_id", call.EntityID, "wait", call.Wait)

	if !call.Wait {
		return Outcome{Status: OutcomeSent, CorrelationID: id}, nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		return c.resolveCall(id, res)
	case <-ctx.Done():
		c.unregisterPending(id)
		return Outcome{Status: OutcomeUnconfirmed, CorrelationID: id},
			fmt.Errorf("%w: no result within timeout", ErrCallUnconfirmed)
	case <-c.done.Done():
		c.unregisterPending(id)
		return Outcome{Status: OutcomeCancelled, CorrelationID: id}, ErrCallCancelled
	}
}

// resolveCall maps a callResult onto the caller-facing outcome.
func (c *Client) resolveCall(id int64, res callResult) (Outcome, error) {
	switch {
	case res.err == nil && res.success:
		return Outcome{
			Status:        OutcomeConfirmed,
			CorrelationID: id,
			Result:        res.result,
		}, nil
	case res.err == nil:
		out := Outcome{
			Status:        OutcomeFailed,
			CorrelationID: id,
			Message:       res.message,
		}
		if res.message != "" {
			return out, fmt.Errorf("%w: %s", ErrCallFailed, res.message)
		}
		return out, ErrCallFailed
	case errors.Is(res.err, ErrCallCancelled):
		return Outcome{Status: OutcomeCancelled, CorrelationID: id}, res.err
	default:
		return Outcome{Status: OutcomeUnconfirmed, CorrelationID: id}, res.err
	}
}
