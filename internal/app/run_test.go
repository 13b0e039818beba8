package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"zpowergraph/internal/config"
	"zpowergraph/internal/logging"
	"zpowergraph/internal/migrate"
	"zpowergraph/internal/modules/power/repository"
)

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		AppEnv:                "dev",
		HTTPAddr:              "off",
		SQLitePath:            filepath.Join(t.TempDir(), "readings.db"),
		SQLiteMaxOpenConns:    4,
		SQLiteMaxIdleConns:    2,
		MQTTBroker:            "127.0.0.1",
		MQTTPort:              closedPort(t),
		MQTTClientID:          "zpowergraph-test",
		MQTTQoS:               1,
		MQTTBaseTopic:         "zigbee2mqtt",
		Devices:               []string{"plug-kitchen"},
		ReconnectBase:         50 * time.Millisecond,
		ReconnectMax:          200 * time.Millisecond,
		PayloadFormat:         "json",
		PayloadPowerField:     "power",
		PayloadEnergyField:    "energy",
		EnergyWhScale:         1000,
		ClockSkew:             5 * time.Second,
		QueueCapacity:         16,
		Workers:               2,
		StoreMaxAttempts:      3,
		StoreRetryBase:        10 * time.Millisecond,
		ShutdownTimeout:       5 * time.Second,
		IdleFillAfter:         time.Hour,
	}
}

func TestRun_ServesWhileBrokerDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, testConfig(t), logging.Discard(), ln) }()

	client := &http.Client{Timeout: time.Second}
	base := "http://" + ln.Addr().String()

	var health map[string]string
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Get(base + "/healthz")
		if err == nil {
			_ = json.NewDecoder(resp.Body).Decode(&health)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("healthz never answered: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if health["db"] != "ok" || health["status"] != "degraded" || health["mqtt"] == "subscribed" {
		t.Errorf("healthz = %v; want degraded with db ok", health)
	}

	resp, err := client.Get(base + "/api/v1/devices")
	if err != nil {
		t.Fatalf("get devices: %v", err)
	}
	var devices []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	_ = resp.Body.Close()
	if len(devices) != 1 || devices[0]["id"] != "plug-kitchen" || devices[0]["tracked"] != true {
		t.Errorf("devices = %v", devices)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v; want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRun_FailsOnUnusableDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLitePath = ""

	err := Run(context.Background(), cfg, logging.Discard())
	if err == nil {
		t.Fatal("Run() err = nil; want error for empty SQLITE_PATH")
	}
}

func TestRun_ReportsSchemaMismatch(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, db *sql.DB)
	}{
		{
			name: "readings table of another shape",
			prepare: func(t *testing.T, db *sql.DB) {
				if _, err := db.Exec(`CREATE TABLE readings (device TEXT, ts INTEGER, watts REAL)`); err != nil {
					t.Fatalf("create table: %v", err)
				}
			},
		},
		{
			name: "migrated by a newer release",
			prepare: func(t *testing.T, db *sql.DB) {
				if _, err := migrate.Run(t.Context(), db, logging.Discard()); err != nil {
					t.Fatalf("migrate: %v", err)
				}
				if _, err := db.Exec(`INSERT INTO schema_migrations (version, name) VALUES ('9999', 'from_the_future')`); err != nil {
					t.Fatalf("insert version: %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			db, err := sql.Open("sqlite3", "file:"+cfg.SQLitePath)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			tt.prepare(t, db)
			if err := db.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			err = Run(t.Context(), cfg, logging.Discard())
			if !errors.Is(err, repository.ErrSchemaMismatch) {
				t.Fatalf("Run() err = %v; want ErrSchemaMismatch", err)
			}
		})
	}
}
