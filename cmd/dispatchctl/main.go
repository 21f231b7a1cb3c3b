// cmd/dispatchctl runs one zone job against local files, without Redis or RethinkDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "dispatchctl",
		Usage: "Reconcile a quarter-hour dispatch curve from local files",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run every stage for one zone and print the job, its stages and the result as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "month",
						Usage:    "dispatch month, YYYY-MM",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "zone",
						Usage:    "zone code",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "registry",
						Usage: "registry file or archive (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "lighting",
						Usage: "aggregated lighting curve file or archive (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "lighting-detail",
						Usage: "public lighting account list (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "readings",
						Usage: "meter readings file or archive (repeatable)",
					},
					&cli.IntFlag{
						Name:  "max-tabular",
						Usage: "tabular files processed per archive",
						Value: 300,
					},
					&cli.IntFlag{
						Name:  "nested-entry-limit",
						Usage: "tabular files processed per nested archive",
						Value: 100,
					},
					&cli.Int64Flag{
						Name:  "max-member-bytes",
						Usage: "decompressed size cap per archive member",
						Value: 64 << 20,
					},
					&cli.DurationFlag{
						Name:  "archive-timeout",
						Usage: "wall-clock budget per archive",
					},
					&cli.BoolFlag{
						Name:  "verbose",
						Usage: "log to stderr",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runLocal(ctx, afero.NewOsFs(), localRunFromCommand(cmd), os.Stdout)
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func localRunFromCommand(cmd *cli.Command) localRun {
	return localRun{
		Month:            cmd.String("month"),
		Zone:             cmd.String("zone"),
		Registry:         cmd.StringSlice("registry"),
		Lighting:         cmd.StringSlice("lighting"),
		LightingDetail:   cmd.StringSlice("lighting-detail"),
		Readings:         cmd.StringSlice("readings"),
		MaxTabular:       cmd.Int("max-tabular"),
		NestedEntryLimit: cmd.Int("nested-entry-limit"),
		ArchiveTimeout:   cmd.Duration("archive-timeout"),
		MaxMemberBytes:   cmd.Int64("max-member-bytes"),
		Verbose:          cmd.Bool("verbose"),
	}
}
