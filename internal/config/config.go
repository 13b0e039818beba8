package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	// HTTPAddr is the listen address of the read API. "off" disables it.
	HTTPAddr string

	SQLitePath            string
	SQLiteDSN             string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration
	SQLiteLogStatements   bool

	MQTTBroker    string
	MQTTPort      int
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTQoS       byte
	MQTTBaseTopic string
	// Devices are the Zigbee2MQTT friendly names to subscribe to.
	Devices []string

	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	PayloadFormat         string
	PayloadPowerField     string
	PayloadEnergyField    string
	PayloadTimestampField string
	EnergyWhScale         float64
	ClockSkew             time.Duration

	QueueCapacity    int
	Workers          int
	StoreMaxAttempts int
	StoreRetryBase   time.Duration
	ShutdownTimeout  time.Duration

	// IdleFillAfter enables zero-power filler readings for silent devices when > 0.
	IdleFillAfter time.Duration
}

// HTTPEnabled reports whether the read API should be served.
func (c Config) HTTPEnabled() bool {
	return c.HTTPAddr != "" && c.HTTPAddr != "off"
}

// BrokerURL is the paho broker address.
func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTBroker, c.MQTTPort)
}

// Topics returns one subscription topic per tracked device.
func (c Config) Topics() []string {
	out := make([]string, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, c.MQTTBaseTopic+"/"+d)
	}
	return out
}

// LoadDotEnv loads variables from a .env file without overriding the
// environment. A missing file is not an error.
func LoadDotEnv(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// LoadFromEnv reads the daemon configuration. MQTT_DEVICES is required.
func LoadFromEnv() (Config, error) {
	return load(true)
}

// LoadStoreFromEnv reads the same variables as LoadFromEnv but lets
// MQTT_DEVICES be empty, for tools that only touch the database.
func LoadStoreFromEnv() (Config, error) {
	return load(false)
}

func load(requireDevices bool) (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		HTTPAddr:              envString("HTTP_ADDR", ":8080"),
		SQLitePath:            envString("SQLITE_PATH", "./zpowergraph.db"),
		SQLiteDSN:             envString("DB_DSN", ""),
		MQTTBroker:            envString("MQTT_BROKER", "localhost"),
		MQTTClientID:          envString("MQTT_CLIENT_ID", ""),
		MQTTUsername:          envString("MQTT_USERNAME", ""),
		MQTTPassword:          os.Getenv("MQTT_PASSWORD"),
		MQTTBaseTopic:         strings.TrimRight(envString("MQTT_BASE_TOPIC", "zigbee2mqtt"), "/"),
		PayloadFormat:         strings.ToLower(envString("PAYLOAD_FORMAT", "json")),
		PayloadPowerField:     envString("PAYLOAD_POWER_FIELD", "power"),
		PayloadEnergyField:    envString("PAYLOAD_ENERGY_FIELD", "energy"),
		PayloadTimestampField: envString("PAYLOAD_TIMESTAMP_FIELD", ""),
	}

	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "zpowergraph-" + uuid.NewString()[:8]
	}

	switch cfg.PayloadFormat {
	case "json", "kv":
	default:
		return Config{}, fmt.Errorf("invalid PAYLOAD_FORMAT %q (allowed: json, kv)", cfg.PayloadFormat)
	}

	cfg.Devices = parseList(os.Getenv("MQTT_DEVICES"))
	if requireDevices && len(cfg.Devices) == 0 {
		return Config{}, errors.New("MQTT_DEVICES is required (comma separated friendly names)")
	}
	for _, d := range cfg.Devices {
		if strings.ContainsAny(d, "/+#") {
			return Config{}, fmt.Errorf("invalid device %q in MQTT_DEVICES (must not contain '/', '+' or '#')", d)
		}
	}

	ints := []struct {
		key  string
		def  int
		min  int
		dest *int
	}{
		{"DB_MAX_OPEN_CONNS", 4, 1, &cfg.SQLiteMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", 2, 0, &cfg.SQLiteMaxIdleConns},
		{"MQTT_PORT", 1883, 1, &cfg.MQTTPort},
		{"QUEUE_CAPACITY", 256, 1, &cfg.QueueCapacity},
		{"WORKERS", 2, 1, &cfg.Workers},
		{"STORE_MAX_ATTEMPTS", 3, 1, &cfg.StoreMaxAttempts},
	}
	for _, v := range ints {
		n, err := envInt(v.key, v.def)
		if err != nil {
			return Config{}, err
		}
		if n < v.min {
			return Config{}, fmt.Errorf("%s must be >= %d, got %d", v.key, v.min, n)
		}
		*v.dest = n
	}

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"DB_CONN_MAX_LIFETIME", "0s", &cfg.SQLiteConnMaxLifetime},
		{"RECONNECT_BASE", "1s", &cfg.ReconnectBase},
		{"RECONNECT_MAX", "60s", &cfg.ReconnectMax},
		{"CLOCK_SKEW", "5s", &cfg.ClockSkew},
		{"STORE_RETRY_BASE", "100ms", &cfg.StoreRetryBase},
		{"SHUTDOWN_TIMEOUT", "10s", &cfg.ShutdownTimeout},
		{"IDLE_FILL_AFTER", "0s", &cfg.IdleFillAfter},
	}
	for _, v := range durations {
		d, err := envDuration(v.key, v.def)
		if err != nil {
			return Config{}, err
		}
		if d < 0 {
			return Config{}, fmt.Errorf("%s must not be negative, got %v", v.key, d)
		}
		*v.dest = d
	}
	if cfg.ReconnectBase <= 0 {
		return Config{}, fmt.Errorf("RECONNECT_BASE must be positive, got %v", cfg.ReconnectBase)
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		return Config{}, fmt.Errorf("RECONNECT_MAX (%v) must be >= RECONNECT_BASE (%v)", cfg.ReconnectMax, cfg.ReconnectBase)
	}

	qos, err := envInt("MQTT_QOS", 1)
	if err != nil {
		return Config{}, err
	}
	if qos < 0 || qos > 2 {
		return Config{}, fmt.Errorf("invalid MQTT_QOS %d (allowed: 0, 1, 2)", qos)
	}
	cfg.MQTTQoS = byte(qos)

	scaleStr := envString("ENERGY_WH_SCALE", "1000")
	cfg.EnergyWhScale, err = strconv.ParseFloat(scaleStr, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid ENERGY_WH_SCALE %q: %w", scaleStr, err)
	}
	if cfg.EnergyWhScale <= 0 {
		return Config{}, fmt.Errorf("ENERGY_WH_SCALE must be positive, got %v", cfg.EnergyWhScale)
	}

	logStr := envString("DB_LOG_SQL", "false")
	cfg.SQLiteLogStatements, err = strconv.ParseBool(logStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_LOG_SQL %q: %w", logStr, err)
	}

	return cfg, nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envDuration(key, def string) (time.Duration, error) {
	s := envString(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func parseList(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
