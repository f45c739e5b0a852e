package client

import (
	"context"
	"fmt"

	"github.com/execd/execd/internal/wire"
)

// AddEvent registers a trigger-armed event (spec.md §4.7). params.Triggers
// must be non-empty or the daemon rejects the add with StatusFail.
func (c *Client) AddEvent(ctx context.Context, name, command string, params *wire.Params, restartOnFail bool) error {
	flags := wire.EventFlagNone
	if restartOnFail {
		flags = wire.EventFlagRestartOnFail
	}
	res, _, err := c.do(ctx, &wire.Request{
		Kind:       wire.KindEvent,
		Name:       name,
		Command:    command,
		EventOp:    wire.EventAdd,
		EventFlags: flags,
		Params:     params,
	})
	if err != nil {
		return err
	}
	switch res.Status {
	case wire.StatusOK:
		return nil
	case wire.StatusExists:
		return ErrExists
	default:
		return fmt.Errorf("client: add event %q: %s", name, res.Status)
	}
}

// DeleteEvent removes an event definition. If stop is true and the event
// is currently running, the daemon also stops its live instance.
func (c *Client) DeleteEvent(ctx context.Context, name string, stop bool) error {
	res, _, err := c.do(ctx, &wire.Request{
		Kind:           wire.KindEvent,
		Name:           name,
		EventOp:        wire.EventDelete,
		DeleteStopFlag: stop,
	})
	if err != nil {
		return err
	}
	if res.Status != wire.StatusOK {
		return fmt.Errorf("client: delete event %q: %s", name, res.Status)
	}
	return nil
}

// EventInfo subscribes this client to an event's running instance, if any,
// and reports whether the subscription succeeded (spec.md §4.7).
func (c *Client) EventInfo(ctx context.Context, name string) error {
	res, _, err := c.do(ctx, &wire.Request{Kind: wire.KindEvent, Name: name, EventOp: wire.EventInfo})
	if err != nil {
		return err
	}
	if res.Status != wire.StatusOK {
		return fmt.Errorf("client: event info %q: %s", name, res.Status)
	}
	return nil
}
