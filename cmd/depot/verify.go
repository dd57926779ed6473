package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/containerdepot/depot/pkg/depot"
	"github.com/containerdepot/depot/pkg/mtree"
)

func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "verify a depot or runtime payload against its manifest",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "minimized-runtime",
				Usage: "verify a minimized runtime payload",
			},
			&cli.StringFlag{
				Name:  "mtree",
				Usage: "verify a manifest other than the default filename",
			},
		},
		Action: verifyAction,
	}
}

func verifyAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: depot verify <dir>")
	}
	top := c.Args().Get(0)
	minimized := c.Bool("minimized-runtime")

	manifest := c.String("mtree")
	if manifest == "" {
		if minimized {
			// A minimized payload's manifest lives next to its
			// "files" directory, not inside it.
			manifest = filepath.Join(
				top, "..", depot.RuntimeManifestName,
			)
		} else {
			manifest = filepath.Join(top, depot.DepotManifestName)
		}
	}

	err := mtree.Verify(manifest, top, mtree.VerifyOptions{
		MinimizedRuntime: minimized,
	})
	if err != nil {
		return err
	}
	slog.Info("verified successfully",
		"tree", top,
		"manifest", manifest,
	)
	return nil
}
