/*
PACS Edge Gateway - DICOM edge gateway for medical imaging pipelines.
Copyright © 2024 The pacsedge contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package cli implements the pacsedge operator interface: start the
// gateway, inspect the queue and toggle fault injection on a running
// instance.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pacsedge/pacsedge/framework/config"
	"github.com/pacsedge/pacsedge/framework/log"
	"github.com/pacsedge/pacsedge/internal/gateway"
	"github.com/pacsedge/pacsedge/internal/queue"
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "pacsedge"
	app.Usage = "edge gateway for a medical imaging pipeline"
	app.Description = `Pacsedge accepts medical image objects over DIMSE associations, stages
them durably on disk and forwards them to the central archive and/or
compute workers with bounded retries.
`
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to the YAML configuration",
			Value:   "config.yaml",
			EnvVars: []string{"PACSEDGE_CONFIG"},
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}
	app.CommandNotFound = func(c *cli.Context, cmd string) {
		fmt.Fprintf(c.App.ErrWriter, "unknown command %q\n", cmd)
		cli.OsExiter(2)
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(c.App.ErrWriter, "Error:", err)
			cli.OsExiter(1)
		}
	}
	app.Commands = []*cli.Command{
		{
			Name:   "start",
			Usage:  "start the gateway and serve associations",
			Action: startCmd,
		},
		{
			Name:  "status",
			Usage: "show queue record counts, or the records of one study",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "study",
					Usage: "study instance UID to list records for",
				},
			},
			Action: statusCmd,
		},
		{
			Name:      "inject-fault",
			Usage:     "enable a named fault on the running gateway",
			ArgsUsage: "NAME (reject_all, disk_full, io_delay_ms, random_fail_rate)",
			Action:    injectFaultCmd,
		},
		{
			Name:   "clear-faults",
			Usage:  "disable all injected faults",
			Action: clearFaultsCmd,
		},
	}
	return app
}

// Run is the entry point of the pacsedge executable.
func Run() {
	if err := newApp().Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
		cli.OsExiter(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String("config"))
}

func buildLogger(c *cli.Context, cfg *config.Config) (log.Logger, error) {
	logger := log.DefaultLogger
	logger.Debug = c.Bool("debug")
	if cfg.Edge.LogPath == "" {
		return logger, nil
	}
	f, err := os.OpenFile(cfg.Edge.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return logger, err
	}
	logger.Out = log.MultiOutput(log.WriterOutput(os.Stderr), log.WriteCloserOutput(f))
	return logger, nil
}

func startCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := buildLogger(c, cfg)
	if err != nil {
		return err
	}
	log.DefaultLogger = logger

	gw, err := gateway.New(c.Context, cfg, logger)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Msg("shutting down", "signal", s.String())
		gw.Close()
	}()

	return gw.Run()
}

func statusCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger := log.DefaultLogger
	logger.Stage = "db"
	store, err := queue.Open(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if study := c.String("study"); study != "" {
		rows, err := store.StudyRows(study)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Fprintln(c.App.Writer, "No records found")
			return nil
		}
		for _, item := range rows {
			lastError := ""
			if item.LastError.Valid {
				lastError = item.LastError.String
			}
			fmt.Fprintf(c.App.Writer, "%d\t%s\t%s\t%s\tretries=%d\tai_status=%s\t%s\n",
				item.ID, item.SOPUID, item.State, item.FilePath, item.Retries,
				item.AIStatus, lastError)
		}
		return nil
	}

	counts, err := store.Counts()
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		fmt.Fprintln(c.App.Writer, "No records found")
		return nil
	}
	for _, state := range []string{queue.StateQueued, queue.StateForwarding, queue.StateSent, queue.StateFailed} {
		fmt.Fprintf(c.App.Writer, "%s\t%d\n", state, counts[state])
	}
	return nil
}
