package client

import (
	"context"
	"fmt"

	"github.com/execd/execd/internal/wire"
)

// StartService starts a long-lived service (spec.md §4.6), returning its
// assigned label. A duplicate name reports client.ErrExists.
func (c *Client) StartService(ctx context.Context, name, command string, params *wire.Params) (label uint64, err error) {
	res, _, err := c.do(ctx, &wire.Request{
		Kind:         wire.KindService,
		Name:         name,
		Command:      command,
		ServiceOp:    wire.ServiceStart,
		ServiceFlags: wire.FlagPlain,
		Params:       params,
	})
	if err != nil {
		return 0, err
	}
	switch res.Status {
	case wire.StatusOK:
		return res.Label()
	case wire.StatusExists:
		return 0, ErrExists
	default:
		return 0, fmt.Errorf("client: start service %q: %s", name, res.Status)
	}
}

// StopService requests SIGTERM for the service named by label.
func (c *Client) StopService(ctx context.Context, label uint64) error {
	return c.serviceOp(ctx, label, wire.ServiceStop)
}

// PauseService sends SIGSTOP to a running service.
func (c *Client) PauseService(ctx context.Context, label uint64) error {
	return c.serviceOp(ctx, label, wire.ServicePause)
}

// RestartService sends SIGCONT to a paused service.
func (c *Client) RestartService(ctx context.Context, label uint64) error {
	return c.serviceOp(ctx, label, wire.ServiceRestart)
}

func (c *Client) serviceOp(ctx context.Context, label uint64, op wire.ServiceOp) error {
	res, _, err := c.do(ctx, &wire.Request{Kind: wire.KindService, Label: label, ServiceOp: op})
	if err != nil {
		return err
	}
	if res.Status != wire.StatusOK {
		return fmt.Errorf("client: service op %d: %s", op, res.Status)
	}
	return nil
}

// ServiceInfoByName fetches a snapshot of a running service by name and
// subscribes this client to its termination notification (spec.md §4.6).
// flags must match the flags the service was started with.
func (c *Client) ServiceInfoByName(ctx context.Context, name string, flags wire.ServiceFlags) (*wire.Result, error) {
	return c.serviceInfo(ctx, &wire.Request{
		Kind:         wire.KindService,
		Name:         name,
		ServiceOp:    wire.ServiceInfo,
		ServiceFlags: flags,
		InfoKey:      wire.ByName,
	})
}

// ServiceInfoByLabel is the label-indexed equivalent of ServiceInfoByName
// (spec.md §9, resolving the open question about event-info-by-label: the
// same contract applies to plain services addressed directly by label).
func (c *Client) ServiceInfoByLabel(ctx context.Context, label uint64, flags wire.ServiceFlags) (*wire.Result, error) {
	return c.serviceInfo(ctx, &wire.Request{
		Kind:         wire.KindService,
		Label:        label,
		ServiceOp:    wire.ServiceInfo,
		ServiceFlags: flags,
		InfoKey:      wire.ByLabel,
	})
}

func (c *Client) serviceInfo(ctx context.Context, req *wire.Request) (*wire.Result, error) {
	res, _, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Status != wire.StatusOK {
		return nil, fmt.Errorf("client: service info: %s", res.Status)
	}
	return res, nil
}

// ErrExists is returned when a start request names an already-running
// service or event.
var ErrExists = fmt.Errorf("client: name already exists")
