package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("BUS_DRIVER", "log")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Engine.StoreTimeout != 5*time.Second || cfg.Engine.MaxTries != 3 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Publisher.BatchSize != 100 || cfg.Publisher.RetryMaxDelay != 5*time.Minute || cfg.Publisher.UnhealthyAfter != 5 {
		t.Errorf("publisher = %+v", cfg.Publisher)
	}
}

func TestLoadParsesLists(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("BUS_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PUBLISHER_POLL_INTERVAL", "250ms")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Publisher.PollInterval != 250*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Publisher.PollInterval)
	}
}

func TestLoadRejectsUnknownDrivers(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "store", env: map[string]string{"STORE_DRIVER": "mongo", "BUS_DRIVER": "log"}},
		{name: "bus", env: map[string]string{"STORE_DRIVER": "sqlite", "BUS_DRIVER": "nats"}},
		{name: "timeout", env: map[string]string{"STORE_DRIVER": "sqlite", "BUS_DRIVER": "log", "STORE_TIMEOUT": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "groups", SSLMode: "disable"}
	if got, want := c.DSN(), "postgres://u:p@db:5432/groups?sslmode=disable"; got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
	c.URL = "postgres://override"
	if c.DSN() != "postgres://override" {
		t.Errorf("DSN with URL = %q", c.DSN())
	}
}
