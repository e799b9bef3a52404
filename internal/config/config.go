// Package config loads the pipeline configuration from HCL.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/catalogforge/strata/pkg/queue"
)

// Config is the root configuration.
type Config struct {
	// Exchanges declares the broker exchanges.
	Exchanges []Exchange `hcl:"exchange,block"`

	// Queues declares the broker queues, their exchange bindings, and
	// their listener counts.
	Queues []Queue `hcl:"queue,block"`

	// RetryDelays are the retry-delay steps; their count bounds
	// redelivery attempts. Defaults to "5s", "50s", "500s".
	RetryDelays []string `hcl:"retry_delays,optional"`

	Broker *Broker `hcl:"broker,block"`
	Index  *Index  `hcl:"index,block"`
	Outbox *Outbox `hcl:"outbox,block"`
}

// Exchange declares one fan-out exchange.
type Exchange struct {
	Name string `hcl:"name,label"`
}

// Queue declares one queue.
type Queue struct {
	Name string `hcl:"name,label"`

	// Exchange this queue is bound to. Optional; unbound queues only
	// receive direct publishes.
	Exchange string `hcl:"exchange,optional"`

	// Listeners is the number of competing consumers to subscribe.
	// Defaults to 1.
	Listeners int `hcl:"listeners,optional"`
}

// Broker selects and configures the queue implementation.
type Broker struct {
	// Kind is "memory" or "kafka". Defaults to "memory".
	Kind string `hcl:"kind,optional"`

	// Brokers are the Kafka/Redpanda seed addresses.
	Brokers []string `hcl:"brokers,optional"`

	// ConsumeFromStart starts new Kafka consumer groups at the
	// earliest offset.
	ConsumeFromStart bool `hcl:"consume_from_start,optional"`
}

// Index selects and configures the index store adapter.
type Index struct {
	// Provider is "memory", "bleve", or "meilisearch".
	Provider string `hcl:"provider,optional"`

	Bleve       *BleveIndex       `hcl:"bleve,block"`
	Meilisearch *MeilisearchIndex `hcl:"meilisearch,block"`
}

// BleveIndex configures the embedded Bleve adapter.
type BleveIndex struct {
	Path string `hcl:"path"`
}

// MeilisearchIndex configures the remote Meilisearch adapter.
type MeilisearchIndex struct {
	Host     string `hcl:"host"`
	APIKey   string `hcl:"api_key,optional"`
	IndexUID string `hcl:"index,optional"`
}

// Outbox configures the transactional producer side.
type Outbox struct {
	// DatabasePath is the SQLite database holding the outbox table.
	DatabasePath string `hcl:"database_path"`

	// Exchange pending events are relayed to.
	Exchange string `hcl:"exchange"`

	// PollInterval between outbox polls. Defaults to "1s".
	PollInterval string `hcl:"poll_interval,optional"`
}

// FromPath loads and validates configuration from an HCL file.
func FromPath(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.RetryDelays) == 0 {
		for _, d := range queue.DefaultRetryDelays() {
			c.RetryDelays = append(c.RetryDelays, d.String())
		}
	}
	if c.Broker == nil {
		c.Broker = &Broker{}
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = "memory"
	}
	if c.Index == nil {
		c.Index = &Index{}
	}
	if c.Index.Provider == "" {
		c.Index.Provider = "memory"
	}
	for i := range c.Queues {
		if c.Queues[i].Listeners == 0 {
			c.Queues[i].Listeners = 1
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Queues, validation.Required),
	)
	if err != nil {
		return err
	}

	if c.Broker.Kind != "memory" && c.Broker.Kind != "kafka" {
		return fmt.Errorf("unsupported broker kind %q (supported: memory, kafka)", c.Broker.Kind)
	}

	switch c.Index.Provider {
	case "memory":
	case "bleve":
		if c.Index.Bleve == nil {
			return fmt.Errorf("bleve configuration is missing")
		}
	case "meilisearch":
		if c.Index.Meilisearch == nil {
			return fmt.Errorf("meilisearch configuration is missing")
		}
	default:
		return fmt.Errorf("unsupported index provider %q (supported: memory, bleve, meilisearch)",
			c.Index.Provider)
	}

	if _, err := c.ParsedRetryDelays(); err != nil {
		return err
	}

	return c.Topology().Validate()
}

// Topology derives the broker topology from the queue and exchange
// declarations.
func (c *Config) Topology() queue.Topology {
	t := queue.Topology{
		Bindings: make(map[string]string),
	}
	for _, e := range c.Exchanges {
		t.Exchanges = append(t.Exchanges, e.Name)
	}
	for _, q := range c.Queues {
		t.Queues = append(t.Queues, q.Name)
		if q.Exchange != "" {
			t.Bindings[q.Name] = q.Exchange
		}
	}
	return t
}

// ParsedRetryDelays parses the retry-delay steps.
func (c *Config) ParsedRetryDelays() ([]time.Duration, error) {
	delays := make([]time.Duration, 0, len(c.RetryDelays))
	for _, raw := range c.RetryDelays {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid retry delay %q: %w", raw, err)
		}
		delays = append(delays, d)
	}
	return delays, nil
}

// KafkaBrokers returns the Kafka seed addresses. The STRATA_KAFKA_BROKERS
// environment variable overrides the config, then a local default applies.
func (c *Config) KafkaBrokers() []string {
	if brokers := os.Getenv("STRATA_KAFKA_BROKERS"); brokers != "" {
		return strings.Split(brokers, ",")
	}
	if c.Broker != nil && len(c.Broker.Brokers) > 0 {
		return c.Broker.Brokers
	}
	return []string{"localhost:19092"}
}
