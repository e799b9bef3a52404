// Package version implements the version command.
package version

import (
	"github.com/mitchellh/cli"

	"github.com/catalogforge/strata/internal/version"
)

// Command prints the build version.
type Command struct {
	UI cli.Ui
}

func (c *Command) Synopsis() string {
	return "Print the version"
}

func (c *Command) Help() string {
	return "Usage: strata version"
}

func (c *Command) Run(_ []string) int {
	c.UI.Output(version.Version)
	return 0
}
