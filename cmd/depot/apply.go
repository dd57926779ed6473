package main

import (
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/containerdepot/depot/pkg/mtree"
)

func applyCmd() *cli.Command {
	return &cli.Command{
		Name:      "apply",
		Usage:     "reconstitute a tree from a manifest",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "mtree",
				Usage:    "manifest to apply",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "source-files",
				Usage: "directory to hard-link or copy file content from",
			},
		},
		Action: applyAction,
	}
}

func applyAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: depot apply --mtree <manifest> <dir>")
	}
	dir := c.Args().Get(0)
	manifest := c.String("mtree")

	err := mtree.Apply(manifest, dir, mtree.ApplyOptions{
		SourceFiles: c.String("source-files"),
	})
	if err != nil {
		return err
	}
	slog.Info("applied manifest", "manifest", manifest, "tree", dir)
	return nil
}
