// Package agent implements the command that runs the ingestion
// pipeline: broker, dispatcher subscriptions, and (optionally) the
// outbox relay, wired from configuration.
package agent

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/catalogforge/strata/internal/config"
	"github.com/catalogforge/strata/pkg/index"
	bleveindex "github.com/catalogforge/strata/pkg/index/bleve"
	memoryindex "github.com/catalogforge/strata/pkg/index/memory"
	meiliindex "github.com/catalogforge/strata/pkg/index/meilisearch"
	"github.com/catalogforge/strata/pkg/ingest"
	"github.com/catalogforge/strata/pkg/outbox"
	"github.com/catalogforge/strata/pkg/queue"
	kafkaqueue "github.com/catalogforge/strata/pkg/queue/kafka"
	memoryqueue "github.com/catalogforge/strata/pkg/queue/memory"
)

// Command runs the ingestion pipeline until interrupted.
type Command struct {
	UI  cli.Ui
	Log hclog.Logger

	flagConfig           string
	flagSurfaceConflicts bool
}

func (c *Command) Synopsis() string {
	return "Run the catalog ingestion pipeline"
}

func (c *Command) Help() string {
	return `Usage: strata agent -config=<path>

Runs the ingestion pipeline: subscribes the configured listener counts
on every queue and applies catalog events to the index store. With an
outbox block configured, also relays pending catalog events from the
outbox database onto the broker.

Options:
  -config=<path>       Path to the HCL configuration file (required).
  -surface-conflicts   Report revision conflicts as failures instead of
                       ignoring them.`
}

func (c *Command) flags() *flag.FlagSet {
	f := flag.NewFlagSet("agent", flag.ContinueOnError)
	f.StringVar(&c.flagConfig, "config", "", "Path to the HCL configuration file")
	f.BoolVar(&c.flagSurfaceConflicts, "surface-conflicts", false,
		"Report revision conflicts as failures instead of ignoring them")
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

	cfg, err := config.FromPath(c.flagConfig)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error loading config: %v", err))
		return 1
	}

	store, err := BuildStore(cfg, c.Log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error building index store: %v", err))
		return 1
	}

	broker, err := BuildBroker(cfg, c.Log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error building broker: %v", err))
		return 1
	}
	if err := broker.Start(); err != nil {
		c.UI.Error(fmt.Sprintf("error starting broker: %v", err))
		return 1
	}
	defer broker.Stop()

	dispatcher, err := ingest.NewDispatcher(ingest.Config{
		Store:            store,
		SurfaceConflicts: c.flagSurfaceConflicts,
		Logger:           c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error building dispatcher: %v", err))
		return 1
	}

	handler := dispatcher.Handler()
	for _, q := range cfg.Queues {
		for i := 0; i < q.Listeners; i++ {
			if err := broker.Subscribe(q.Name, handler); err != nil {
				c.UI.Error(fmt.Sprintf("error subscribing to queue %s: %v", q.Name, err))
				return 1
			}
		}
		c.Log.Info("subscribed queue", "queue", q.Name, "listeners", q.Listeners)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Outbox != nil {
		relay, err := buildRelay(cfg, broker, c.Log)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error building outbox relay: %v", err))
			return 1
		}
		go func() {
			if err := relay.Start(ctx); err != nil && err != context.Canceled {
				c.Log.Error("outbox relay exited", "error", err)
			}
		}()
		defer relay.Stop()
	}

	c.UI.Info("ingestion pipeline running; send SIGINT or SIGTERM to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	c.UI.Info(fmt.Sprintf("received %s, shutting down", sig))
	return 0
}

// BuildStore constructs the configured index store adapter.
func BuildStore(cfg *config.Config, logger hclog.Logger) (index.Store, error) {
	switch cfg.Index.Provider {
	case "memory":
		return memoryindex.New(logger), nil

	case "bleve":
		return bleveindex.New(bleveindex.Config{
			Path:   cfg.Index.Bleve.Path,
			Logger: logger,
		})

	case "meilisearch":
		uid := cfg.Index.Meilisearch.IndexUID
		if uid == "" {
			uid = "concepts"
		}
		return meiliindex.New(meiliindex.Config{
			Host:     cfg.Index.Meilisearch.Host,
			APIKey:   cfg.Index.Meilisearch.APIKey,
			IndexUID: uid,
			Logger:   logger,
		})

	default:
		return nil, fmt.Errorf("unsupported index provider: %s", cfg.Index.Provider)
	}
}

// BuildBroker constructs the configured broker implementation.
func BuildBroker(cfg *config.Config, logger hclog.Logger) (queue.Broker, error) {
	delays, err := cfg.ParsedRetryDelays()
	if err != nil {
		return nil, err
	}

	switch cfg.Broker.Kind {
	case "memory":
		return memoryqueue.New(memoryqueue.Config{
			Topology:    cfg.Topology(),
			RetryDelays: delays,
			Logger:      logger,
		})

	case "kafka":
		return kafkaqueue.New(kafkaqueue.Config{
			Brokers:          cfg.KafkaBrokers(),
			Topology:         cfg.Topology(),
			RetryDelays:      delays,
			ConsumeFromStart: cfg.Broker.ConsumeFromStart,
			Logger:           logger,
		})

	default:
		return nil, fmt.Errorf("unsupported broker kind: %s", cfg.Broker.Kind)
	}
}

// buildRelay opens the outbox database and constructs the relay.
func buildRelay(cfg *config.Config, broker queue.Broker, logger hclog.Logger) (*outbox.Relay, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Outbox.DatabasePath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}
	if err := outbox.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate outbox schema: %w", err)
	}

	relayCfg := outbox.RelayConfig{
		DB:       db,
		Broker:   broker,
		Exchange: cfg.Outbox.Exchange,
		Logger:   logger,
	}
	if cfg.Outbox.PollInterval != "" {
		interval, err := time.ParseDuration(cfg.Outbox.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid outbox poll interval: %w", err)
		}
		relayCfg.PollInterval = interval
	}

	return outbox.NewRelay(relayCfg)
}
