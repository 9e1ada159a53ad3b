package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.GRPCAddr() != "0.0.0.0:50051" {
		t.Fatalf("grpc addr = %q, want %q", cfg.GRPCAddr(), "0.0.0.0:50051")
	}
	if cfg.DatabaseDriver != DriverPostgres {
		t.Fatalf("driver = %q, want %q", cfg.DatabaseDriver, DriverPostgres)
	}
	if cfg.DefaultHorizon != 12*7*24*time.Hour {
		t.Fatalf("default horizon = %s, want 12 weeks", cfg.DefaultHorizon)
	}
	if cfg.OwnershipTTL != 5*time.Minute {
		t.Fatalf("ownership ttl = %s, want 5m", cfg.OwnershipTTL)
	}
	if cfg.NotifyQueueSize != 1024 || cfg.NotifyTimeout != 5*time.Second {
		t.Fatalf("notify queue = %d/%s, want 1024/5s", cfg.NotifyQueueSize, cfg.NotifyTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CLASSBOOK_GRPC_ADDR", "127.0.0.1:6000")
	t.Setenv("CLASSBOOK_DATABASE_DRIVER", "Memory")
	t.Setenv("CLASSBOOK_DATABASE_AUTO_MIGRATE", "true")
	t.Setenv("CLASSBOOK_BOOKING_DEFAULT_HORIZON", "168h")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("CLASSBOOK_AMQP_QUEUE", "events")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.GRPCHost != "127.0.0.1" || cfg.GRPCPort != 6000 {
		t.Fatalf("grpc = %s:%d, want 127.0.0.1:6000", cfg.GRPCHost, cfg.GRPCPort)
	}
	if cfg.DatabaseDriver != DriverMemory {
		t.Fatalf("driver = %q, want %q", cfg.DatabaseDriver, DriverMemory)
	}
	if !cfg.AutoMigrate {
		t.Fatalf("auto migrate = false, want true")
	}
	if cfg.DefaultHorizon != 7*24*time.Hour {
		t.Fatalf("default horizon = %s, want 168h", cfg.DefaultHorizon)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("redis addr = %q", cfg.RedisAddr)
	}
	if cfg.AMQPQueue != "events" {
		t.Fatalf("amqp queue = %q", cfg.AMQPQueue)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name, key, value string
	}{
		{name: "bad duration", key: "CLASSBOOK_SHUTDOWN_TIMEOUT", value: "soon"},
		{name: "unknown driver", key: "CLASSBOOK_DATABASE_DRIVER", value: "sqlite"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
