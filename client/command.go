package client

import (
	"context"
	"fmt"
	"os"

	"github.com/execd/execd/internal/wire"
)

// StartCommand starts an interactive piped command (spec.md §4.5) and
// returns its label and the file descriptor connected to the requested
// end of its stdio pipe. The caller owns fd and must eventually call
// CloseCommand(label) — closing fd directly does not reap the child.
func (c *Client) StartCommand(ctx context.Context, name, command string, dir wire.Direction, params *wire.Params) (label uint64, fd *os.File, err error) {
	res, passedFD, err := c.do(ctx, &wire.Request{
		Kind:      wire.KindNormal,
		Name:      name,
		Command:   command,
		NormalOp:  wire.NormalStart,
		Direction: dir,
		Params:    params,
	})
	if err != nil {
		return 0, nil, err
	}
	if res.Status != wire.StatusOK {
		return 0, nil, fmt.Errorf("client: start command %q: %s", name, res.Status)
	}
	label, err = res.Label()
	if err != nil {
		if passedFD != nil {
			passedFD.Close()
		}
		return 0, nil, err
	}
	return label, passedFD, nil
}

// CloseCommand closes the pipe and reaps the child started by StartCommand.
// Calling it twice for the same label is safe: the second call returns an
// error but the daemon does not crash (spec.md §8).
func (c *Client) CloseCommand(ctx context.Context, label uint64) error {
	res, _, err := c.do(ctx, &wire.Request{
		Kind:     wire.KindNormal,
		Label:    label,
		NormalOp: wire.NormalClose,
	})
	if err != nil {
		return err
	}
	if res.Status != wire.StatusOK {
		return fmt.Errorf("client: close command: %s", res.Status)
	}
	return nil
}
