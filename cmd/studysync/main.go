package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/oss-study-sync/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "studysync",
		Usage:                "Incremental study data sync with a provenance ledger",
		Version:              version.String(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Value:   "studysync.yaml",
				EnvVars: []string{"STUDYSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"STUDYSYNC_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "Log as JSON lines",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "run",
				Usage: "Sync every configured source and relay new files to the sinks",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "site",
						Usage: "Site to sync (repeatable, default all configured sites)",
					},
					&cli.StringFlag{
						Name:  "end",
						Usage: "Last day dated sources are reconciled to (YYYY-MM-DD, default today)",
					},
					&cli.StringFlag{
						Name:  "force-start",
						Usage: "First day to re-fetch from dated sources even if already pulled",
					},
					&cli.StringFlag{
						Name:  "force-end",
						Usage: "Last day to re-fetch from dated sources even if already pulled",
					},
					&cli.DurationFlag{
						Name:  "every",
						Usage: "Repeat the run at this interval until interrupted",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show a progress bar",
						Value: true,
					},
				},
				Action: runSync,
			},
			{
				Name:  "status",
				Usage: "Show ledger statistics per site",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "site",
						Usage: "Site to report (repeatable, default all configured sites)",
					},
				},
				Action: showStatus,
			},
			{
				Name:  "history",
				Usage: "List recorded pulls, most recent first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "site", Usage: "Site id"},
					&cli.StringFlag{Name: "subject", Usage: "Subject id"},
					&cli.StringFlag{Name: "source", Usage: "Source name"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of pulls to list", Value: 50},
				},
				Action: showHistory,
			},
			{
				Name:  "missing",
				Usage: "List the days a dated source has not been pulled for",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "site", Usage: "Site id", Required: true},
					&cli.StringFlag{Name: "subject", Usage: "Subject id", Required: true},
					&cli.StringFlag{Name: "source", Usage: "Source name", Required: true},
					&cli.StringFlag{Name: "start", Usage: "First day (default the source's start_date)"},
					&cli.StringFlag{Name: "end", Usage: "Last day (default today)"},
					&cli.StringFlag{Name: "force-start", Usage: "First day of a forced re-fetch range"},
					&cli.StringFlag{Name: "force-end", Usage: "Last day of a forced re-fetch range"},
				},
				Action: showMissing,
			},
			{
				Name:      "fingerprint",
				Usage:     "Print the fingerprint or full hash of local files",
				ArgsUsage: "<file>...",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "full", Usage: "Hash the whole file instead of sampling it"},
					&cli.StringFlag{Name: "algorithm", Usage: "Digest algorithm (md5, sha256, blake2b, blake3)"},
				},
				Action: fingerprintFiles,
			},
			{
				Name:  "import",
				Usage: "Record files captured outside a source pull from a CSV list",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "csv",
						Usage:    "Path to CSV file with a path column",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "batch",
						Usage: "Progress report interval in rows",
						Value: 1000,
					},
				},
				Action: importCSV,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(c *cli.Context) error {
	level, err := log.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if c.Bool("log-json") {
		log.SetFormatter(&log.JSONFormatter{})
		return nil
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}
