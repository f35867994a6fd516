package commands

import (
	"context"
	"io"

	"peershare/config"
	"peershare/swarm/client"
)

// RunList prints the registry contents once, without registering.
func RunList(ctx context.Context, cfg *config.Config, out io.Writer) error {
	addr, err := registryAddress(ctx, cfg)
	if err != nil {
		return err
	}

	c, err := client.Dial(addr, "", retryPolicy(cfg))
	if err != nil {
		return err
	}
	defer c.Close()

	snap, err := c.List(ctx)
	if err != nil {
		return err
	}
	renderSnapshot(out, snap)
	return nil
}
