package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantumauth-io/quantum-go-utils/log"
	clientconfig "github.com/quantumauth-io/quantum-interceptor/cmd/quantum-interceptor/config"
	"github.com/quantumauth-io/quantum-interceptor/internal/interceptor"
	"github.com/urfave/cli/v2"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "Interface the local endpoints listen on",
	}
	portFlag = &cli.StringFlag{
		Name:  "port",
		Usage: "Port of the /page and /ui endpoints",
	}
	simulationFlag = &cli.BoolFlag{
		Name:  "simulation",
		Usage: "Start in simulation mode on first run",
	}
	storageFlag = &cli.StringFlag{
		Name:  "storage",
		Usage: "State backend: file or sqlite",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "data-dir",
		Usage: "Directory the interceptor keeps its state in",
	}
	terminalConfirmFlag = &cli.BoolFlag{
		Name:  "terminal-confirm",
		Usage: "Confirm transactions and signatures on this terminal instead of the UI",
	}
	classifierURLFlag = &cli.StringFlag{
		Name:    "classifier-url",
		Usage:   "Transaction classifier endpoint; empty disables it",
		EnvVars: []string{"QI_CLASSIFIER_URL"},
	}
	noUIFlag = &cli.BoolFlag{
		Name:  "no-ui",
		Usage: "Do not serve the embedded confirmation UI",
	}
)

func main() {
	app := &cli.App{
		Name:    "quantum-interceptor",
		Usage:   "Local transaction interceptor and simulator for browser wallets",
		Version: Version,
		Flags: []cli.Flag{
			hostFlag,
			portFlag,
			simulationFlag,
			storageFlag,
			dataDirFlag,
			terminalConfirmFlag,
			classifierURLFlag,
			noUIFlag,
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal("quantum-interceptor failed", "error", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := clientconfig.Load()
	if err != nil {
		log.Error("failed to parse config", "error", err)
		return err
	}
	applyFlags(c, cfg)
	cfg.ApplyPassphraseFromEnv()
	if err := cfg.Normalize(); err != nil {
		return err
	}

	return interceptor.Run(c.Context, interceptor.BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}, cfg)
}

// applyFlags lets explicitly set flags override the loaded config.
func applyFlags(c *cli.Context, cfg *clientconfig.Config) {
	if cfg.ClientSettings == nil {
		cfg.ClientSettings = &clientconfig.ClientSettings{}
	}
	if c.IsSet(hostFlag.Name) {
		cfg.ClientSettings.LocalHost = c.String(hostFlag.Name)
	}
	if c.IsSet(portFlag.Name) {
		cfg.ClientSettings.Port = c.String(portFlag.Name)
	}
	if c.IsSet(simulationFlag.Name) {
		cfg.Simulation.DefaultMode = c.Bool(simulationFlag.Name)
	}
	if c.IsSet(storageFlag.Name) {
		cfg.Storage.Backend = c.String(storageFlag.Name)
	}
	if c.IsSet(dataDirFlag.Name) {
		cfg.ClientSettings.DataDir = c.String(dataDirFlag.Name)
	}
	if c.IsSet(terminalConfirmFlag.Name) {
		cfg.ClientSettings.TerminalConfirm = c.Bool(terminalConfirmFlag.Name)
	}
	if c.IsSet(classifierURLFlag.Name) {
		cfg.Classifier.URL = c.String(classifierURLFlag.Name)
	}
	if c.IsSet(noUIFlag.Name) {
		cfg.ClientSettings.ServeUI = !c.Bool(noUIFlag.Name)
	}
}
