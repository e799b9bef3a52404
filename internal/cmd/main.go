package cmd

import (
	"bufio"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/catalogforge/strata/internal/cmd/commands/agent"
	"github.com/catalogforge/strata/internal/cmd/commands/publish"
	versioncmd "github.com/catalogforge/strata/internal/cmd/commands/version"
	"github.com/catalogforge/strata/internal/version"
)

// Commands is the CLI command registry.
var Commands map[string]cli.CommandFactory

// Main runs the CLI with the given arguments and returns the exit code.
func Main(args []string) int {
	cliName := args[0]

	log := hclog.New(&hclog.LoggerOptions{
		Name: cliName,
	})

	if len(args) == 2 &&
		(args[1] == "-version" ||
			args[1] == "-v") {
		args = []string{cliName, "version"}
	}

	// If no subcommand is provided, default to 'agent'
	if len(args) == 1 {
		args = append(args, "agent")
	}

	ui := &cli.BasicUi{
		Reader:      bufio.NewReader(os.Stdin),
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	initCommands(log, ui)

	c := &cli.CLI{
		Name:     cliName,
		Args:     args[1:],
		Version:  version.Version,
		Commands: Commands,
	}

	exitCode, err := c.Run()
	if err != nil {
		panic(err)
	}

	return exitCode
}

func initCommands(log hclog.Logger, ui cli.Ui) {
	Commands = map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{UI: ui, Log: log}, nil
		},
		"publish": func() (cli.Command, error) {
			return &publish.Command{UI: ui, Log: log}, nil
		},
		"version": func() (cli.Command, error) {
			return &versioncmd.Command{UI: ui}, nil
		},
	}
}
