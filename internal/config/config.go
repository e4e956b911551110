package config

import (
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string `json:"port"`
	DBURL       string `json:"dbUrl"`
	MaxConns    int    `json:"maxConns"`
	FeathersDir string `json:"feathersDir"`
	AutoMigrate bool   `json:"autoMigrate"`

	// Журнал
	LogFile  string `json:"logFile"`  // пусто — только консоль
	LogLevel string `json:"logLevel"` // debug | info | warn | error
	Env      string `json:"env"`      // "production" включает JSON в консоли

	// Идентификация: JWT (HS256), иначе заголовок X-User / defaultUser
	JWTSecret   string `json:"jwtSecret"`
	DefaultUser string `json:"defaultUser"`

	// Рассылка журнала изменений; пусто — выключено
	NatsURL string `json:"natsUrl"`

	NumericPrecision int `json:"numericPrecision"`
	NumericScale     int `json:"numericScale"`
	BackfillBatch    int `json:"backfillBatch"`
	CatalogTTLSec    int `json:"catalogTtlSec"`

	// NodeID попадает в блокировки записей
	NodeID string `json:"nodeId"`
}

func def() Config {
	return Config{
		Port:        "8080",
		DBURL:       "",
		MaxConns:    20,
		FeathersDir: "feathers",
		AutoMigrate: false,

		LogFile:  "",
		LogLevel: "info",
		Env:      "development",

		DefaultUser: "",

		NumericPrecision: 18,
		NumericScale:     8,
		BackfillBatch:    500,
		CatalogTTLSec:    60,
	}
}

// IsProduction — окружение production.
func (c Config) IsProduction() bool { return strings.EqualFold(c.Env, "production") }

// CatalogTTL — время жизни кэша разрешённых feathers.
func (c Config) CatalogTTL() time.Duration { return time.Duration(c.CatalogTTLSec) * time.Second }

func loadJSON(path string) (Config, error) {
	c := def()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getenvBool(k string, fallback bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		if b, ok := parseBool(v); ok {
			return b
		}
	}
	return fallback
}

func getenvInt(k string, fallback int) int {
	if v, ok := os.LookupEnv(k); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func parseBool(v string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

// Load читает конфигурацию из аргументов процесса.
func Load(defaultPath string) Config {
	return LoadArgs(defaultPath, os.Args[1:])
}

// LoadArgs: значения по умолчанию -> JSON -> .env -> FEATHERDB_* -> флаги.
func LoadArgs(jsonPath string, args []string) Config {
	fs := flag.NewFlagSet("featherdb", flag.ContinueOnError)
	configPath := fs.String("config", jsonPath, "Path to config JSON")
	envFile := fs.String("env-file", ".env", "Path to .env file")
	fs.String("port", "", "HTTP port")
	fs.String("db", "", "Postgres URL")
	fs.String("feathers", "", "Path to feather files")
	fs.String("auto-migrate", "", "Apply feather files on start (true/false)")
	fs.String("log-file", "", "Log file path")
	fs.String("nats", "", "NATS URL for change fan-out")
	_ = fs.Parse(args)

	cfg := def()

	// JSON (если файл существует)
	if st, err := os.Stat(*configPath); err == nil && !st.IsDir() {
		if c2, err := loadJSON(*configPath); err == nil {
			cfg = c2
		}
	}

	// .env не перекрывает уже выставленные переменные окружения
	_ = godotenv.Load(*envFile)

	// ENV overrides
	cfg.Port = getenv("FEATHERDB_PORT", cfg.Port)
	cfg.DBURL = getenv("FEATHERDB_DB_URL", cfg.DBURL)
	cfg.MaxConns = getenvInt("FEATHERDB_MAX_CONNS", cfg.MaxConns)
	cfg.FeathersDir = getenv("FEATHERDB_FEATHERS_DIR", cfg.FeathersDir)
	cfg.AutoMigrate = getenvBool("FEATHERDB_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.LogFile = getenv("FEATHERDB_LOG_FILE", cfg.LogFile)
	cfg.LogLevel = getenv("FEATHERDB_LOG_LEVEL", cfg.LogLevel)
	cfg.Env = getenv("FEATHERDB_ENV", cfg.Env)
	cfg.JWTSecret = getenv("FEATHERDB_JWT_SECRET", cfg.JWTSecret)
	cfg.DefaultUser = getenv("FEATHERDB_DEFAULT_USER", cfg.DefaultUser)
	cfg.NatsURL = getenv("FEATHERDB_NATS_URL", cfg.NatsURL)
	cfg.NumericPrecision = getenvInt("FEATHERDB_NUMERIC_PRECISION", cfg.NumericPrecision)
	cfg.NumericScale = getenvInt("FEATHERDB_NUMERIC_SCALE", cfg.NumericScale)
	cfg.BackfillBatch = getenvInt("FEATHERDB_BACKFILL_BATCH", cfg.BackfillBatch)
	cfg.CatalogTTLSec = getenvInt("FEATHERDB_CATALOG_TTL_SEC", cfg.CatalogTTLSec)
	cfg.NodeID = getenv("FEATHERDB_NODE_ID", cfg.NodeID)

	// Flags overrides (только явно заданные)
	fs.Visit(func(f *flag.Flag) {
		v := strings.TrimSpace(f.Value.String())
		switch f.Name {
		case "port":
			cfg.Port = v
		case "db":
			cfg.DBURL = v
		case "feathers":
			cfg.FeathersDir = v
		case "auto-migrate":
			if b, ok := parseBool(v); ok {
				cfg.AutoMigrate = b
			}
		case "log-file":
			cfg.LogFile = v
		case "nats":
			cfg.NatsURL = v
		}
	})

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	return cfg
}
