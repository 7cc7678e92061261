package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"cabeat/internal/app"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli"
)

func configPath(c *cli.Context) string {
	if p := c.GlobalString("config"); p != "" {
		return p
	}
	return c.String("config")
}

func runDaemon(c *cli.Context) error {
	a, err := app.NewApp(configPath(c))
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// watchdog pings systemd at half the configured WatchdogSec. It is a no-op
// outside systemd.
func watchdog(ctx context.Context) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func runTask(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.NewExitError("run-task: task name required", 2)
	}
	a, err := app.NewApp(configPath(c))
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopAppStop)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	args := c.Args()
	return a.RunTask(ctx, args.First(), args.Tail()...)
}

func listJobs(c *cli.Context) error {
	a, err := app.NewApp(configPath(c))
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopAppStop)

	rows := a.Jobs()
	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tINTERVAL\tENABLED\tSOURCE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", r.ID, r.Task, r.Interval, r.Enabled, r.Source)
	}
	return w.Flush()
}

func importCA(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("import-ca: expected <cert.pem> <key path>", 2)
	}
	certPEM, err := os.ReadFile(c.Args().Get(0))
	if err != nil {
		return err
	}
	a, err := app.NewApp(configPath(c))
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopAppStop)

	auth, err := a.Import(context.Background(), c.String("name"), certPEM, c.Args().Get(1))
	if err != nil {
		return errors.Join(errors.New("import-ca failed"), err)
	}
	fmt.Printf("imported %s (%s), valid until %s\n", auth.Serial, auth.Name, auth.NotAfter.Format(time.RFC3339))
	return nil
}
