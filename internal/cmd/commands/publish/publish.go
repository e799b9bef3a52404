// Package publish implements the operator command that injects a
// single catalog event into the broker.
package publish

import (
	"flag"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/catalogforge/strata/internal/cmd/commands/agent"
	"github.com/catalogforge/strata/internal/config"
	"github.com/catalogforge/strata/pkg/queue"
)

// Command publishes one message to a queue or exchange.
type Command struct {
	UI  cli.Ui
	Log hclog.Logger

	flagConfig   string
	flagQueue    string
	flagExchange string
	flagAction   string
	flagConcept  string
	flagRevision int64
	flagProvider string
}

func (c *Command) Synopsis() string {
	return "Publish a single catalog event"
}

func (c *Command) Help() string {
	return `Usage: strata publish -config=<path> [options]

Publishes one catalog event to a queue or exchange. Intended for
operators and smoke tests; production events flow through the outbox.

Options:
  -config=<path>     Path to the HCL configuration file (required).
  -queue=<name>      Target queue. Mutually exclusive with -exchange.
  -exchange=<name>   Target exchange.
  -action=<action>   Event action, e.g. concept-update (required).
  -concept-id=<id>   Concept ID, e.g. C1200000022-PROV1.
  -revision=<n>      Revision ID.
  -provider-id=<id>  Provider ID (for provider-delete).`
}

func (c *Command) flags() *flag.FlagSet {
	f := flag.NewFlagSet("publish", flag.ContinueOnError)
	f.StringVar(&c.flagConfig, "config", "", "Path to the HCL configuration file")
	f.StringVar(&c.flagQueue, "queue", "", "Target queue")
	f.StringVar(&c.flagExchange, "exchange", "", "Target exchange")
	f.StringVar(&c.flagAction, "action", "", "Event action")
	f.StringVar(&c.flagConcept, "concept-id", "", "Concept ID")
	f.Int64Var(&c.flagRevision, "revision", 0, "Revision ID")
	f.StringVar(&c.flagProvider, "provider-id", "", "Provider ID")
	return f
}

func (c *Command) Run(args []string) int {
	f := c.flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagConfig == "" {
		c.UI.Error("config path is required (-config)")
		return 1
	}
	if (c.flagQueue == "") == (c.flagExchange == "") {
		c.UI.Error("exactly one of -queue or -exchange is required")
		return 1
	}

	cfg, err := config.FromPath(c.flagConfig)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error loading config: %v", err))
		return 1
	}
	if cfg.Broker.Kind == "memory" {
		c.UI.Warn("broker kind is memory; this publish only reaches this process")
	}

	msg := queue.Message{
		Action:     queue.Action(c.flagAction),
		ConceptID:  c.flagConcept,
		RevisionID: c.flagRevision,
		ProviderID: c.flagProvider,
	}
	if err := msg.Validate(); err != nil {
		c.UI.Error(fmt.Sprintf("invalid message: %v", err))
		return 1
	}

	broker, err := agent.BuildBroker(cfg, c.Log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error building broker: %v", err))
		return 1
	}
	if err := broker.Start(); err != nil {
		c.UI.Error(fmt.Sprintf("error starting broker: %v", err))
		return 1
	}
	defer broker.Stop()

	if c.flagQueue != "" {
		err = broker.Publish(c.flagQueue, msg)
	} else {
		err = broker.PublishToExchange(c.flagExchange, msg)
	}
	if err != nil {
		c.UI.Error(fmt.Sprintf("error publishing: %v", err))
		return 1
	}

	c.UI.Info(fmt.Sprintf("published %s", msg.String()))
	return 0
}
