package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/next-trace/scg-rpc-bus/config"
	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Bus.Type != string(cbus.TypeLocal) || cfg.Broker.Kind != config.KindMemory {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	if cfg.Bus.CallTimeout != cbus.DefaultCallTimeout || cfg.Bus.ReadInterval != cbus.DefaultReadInterval {
		t.Fatalf("durations: %+v", cfg.Bus)
	}

	if !strings.HasPrefix(cfg.Bus.ServerID, config.ServerIDPrefix) || len(cfg.Bus.ServerID) <= len(config.ServerIDPrefix) {
		t.Fatalf("server id %q", cfg.Bus.ServerID)
	}

	other, _ := config.Load("")
	if other.Bus.ServerID == cfg.Bus.ServerID {
		t.Fatalf("server ids must differ between loads")
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("SCGBUS_BROKER_REDIS_URL", "redis://env:6379/0")
	t.Setenv("SCGBUS_BUS_CALL_TIMEOUT", "3s")
	t.Setenv("SCGBUS_BUS_DISABLE_TRACING", "true")

	path := filepath.Join(t.TempDir(), "bus.yaml")
	content := []byte(`
bus:
  type: distributed
  server_id: api-1
  read_interval: 250ms
broker:
  kind: redis
  redis:
    url: redis://file:6379/0
  pubsub: nats
  nats:
    url: nats://127.0.0.1:4222
log:
  format: json
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}

	if cfg.Broker.Redis.URL != "redis://env:6379/0" {
		t.Fatalf("expected env override, got %q", cfg.Broker.Redis.URL)
	}

	opts := cfg.Options()
	if opts.Type != cbus.TypeDistributed || opts.ServerID != "api-1" {
		t.Fatalf("options %+v", opts)
	}

	if opts.CallTimeout != 3*time.Second || opts.ReadInterval != 250*time.Millisecond {
		t.Fatalf("durations %+v", opts)
	}

	if cfg.StreamsKind() != config.KindRedis || cfg.PubSubKind() != config.KindNATS || cfg.HashesKind() != config.KindRedis {
		t.Fatalf("kinds %s/%s/%s", cfg.StreamsKind(), cfg.PubSubKind(), cfg.HashesKind())
	}

	if !cfg.Bus.DisableTracing {
		t.Fatalf("disable_tracing env override ignored")
	}

	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Fatalf("log %+v", cfg.Log)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.toml")
	content := []byte(`
[bus]
type = "distributed"
server_id = "w2"

[broker]
kind = "nats"
streams = "kafka"

[broker.kafka]
brokers = ["127.0.0.1:9092"]
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}

	if cfg.Bus.ServerID != "w2" || len(cfg.Broker.Kafka.Brokers) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() config.Config {
		return config.Config{
			Bus:    config.BusConfig{Type: "distributed", ServerID: "s1"},
			Broker: config.BrokerConfig{Kind: config.KindRedis},
		}
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		ok     bool
	}{
		{"valid", func(*config.Config) {}, true},
		{"local ignores broker", func(c *config.Config) { c.Bus.Type = "local"; c.Broker.Kind = "bogus" }, true},
		{"unknown type", func(c *config.Config) { c.Bus.Type = "cluster" }, false},
		{"missing server id", func(c *config.Config) { c.Bus.ServerID = "" }, false},
		{"unknown kind", func(c *config.Config) { c.Broker.Streams = "sqs" }, false},
		{"kafka pubsub", func(c *config.Config) { c.Broker.PubSub = config.KindKafka }, false},
		{"rabbitmq hashes", func(c *config.Config) { c.Broker.Kind = config.KindRabbitMQ }, false},
		{"rabbitmq streams redis hashes", func(c *config.Config) {
			c.Broker.Kind = config.KindRabbitMQ
			c.Broker.Hashes = config.KindRedis
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !tt.ok && !errors.Is(err, berr.ErrInvalidConfig) {
				t.Fatalf("want ErrInvalidConfig, got %v", err)
			}
		})
	}
}
