package main

import (
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/containerdepot/depot/pkg/depot"
)

func minimizeCmd() *cli.Command {
	return &cli.Command{
		Name: "minimize",
		Usage: "strip reconstructable entries from a runtime payload " +
			"(run after writing its manifest)",
		ArgsUsage: "<runtimeDir>",
		Action:    minimizeAction,
	}
}

func minimizeAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: depot minimize <runtimeDir>")
	}
	dir := c.Args().Get(0)

	if err := depot.Minimize(dir); err != nil {
		return err
	}
	// The marker file must survive every minimize pass.
	if err := depot.EnsureRef(dir); err != nil {
		return err
	}
	slog.Info("minimized runtime", "runtime", dir)
	return nil
}
