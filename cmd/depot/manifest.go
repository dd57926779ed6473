package main

import (
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/containerdepot/depot/pkg/depot"
)

func manifestCmd() *cli.Command {
	return &cli.Command{
		Name:      "manifest",
		Usage:     "write the manifest for a runtime or a whole depot",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "top-level",
				Usage: "describe a whole depot instead of one runtime",
			},
			&cli.BoolFlag{
				Name:  "steampipe",
				Usage: "expect deploy metadata in a steampipe directory",
			},
		},
		Action: manifestAction,
	}
}

func manifestAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: depot manifest <dir>")
	}
	dir := c.Args().Get(0)

	if c.Bool("top-level") {
		if err := depot.WriteDepotManifest(dir, c.Bool("steampipe")); err != nil {
			return err
		}
		slog.Info("wrote depot manifest", "depot", dir)
		return nil
	}

	if err := depot.WriteRuntimeManifest(dir); err != nil {
		return err
	}
	slog.Info("wrote runtime manifest", "runtime", dir)
	return nil
}
