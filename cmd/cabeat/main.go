package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Usage:  "path to the config file (json or yaml)",
	Value:  "./cabeat.yaml",
	EnvVar: "CABEAT_CONFIG",
}

func newCLI() *cli.App {
	app := cli.NewApp()
	app.Name = "cabeat"
	app.Usage = "periodic CRL and OCSP key maintenance for a certificate authority"
	app.Version = version
	app.Flags = []cli.Flag{configFlag}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the scheduler until SIGINT/SIGTERM",
			Action: runDaemon,
		},
		{
			Name:      "run-task",
			Usage:     "run one task now and exit",
			ArgsUsage: "<task> [serial...]",
			Action:    runTask,
		},
		{
			Name:  "jobs",
			Usage: "print the effective schedule table",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "json", Usage: "print as JSON"},
			},
			Action: listJobs,
		},
		{
			Name:      "import-ca",
			Usage:     "register a CA certificate and its private key path",
			ArgsUsage: "<cert.pem> <key path>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Usage: "display name (default: subject CN)"},
			},
			Action: importCA,
		},
	}
	app.Action = runDaemon
	return app
}
