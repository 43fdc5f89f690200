package kernel

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var (
	once       sync.Once
	appRuntime *AppRuntime
)

// BankConfig is one partner bank from the registry, e.g. BANK_VBANK_URL.
type BankConfig struct {
	ID      string
	Name    string
	BaseURL string
}

type AppRuntime struct {
	Host string

	ServiceName           string
	ServiceVersion        string
	DeploymentEnvironment string

	DatabaseDSN    string
	DatabaseClient *gorm.DB

	JaegerEndpoint     string
	PrometheusEndpoint string
	Insecure           bool

	// Team credentials issued by the Open Banking sandbox.
	ClientID           string
	ClientSecret       string
	RequestingBank     string
	RequestingBankName string

	Banks map[string]BankConfig

	SyncLockTTL  time.Duration
	SnapshotTTL  time.Duration
	DashboardTTL time.Duration

	Diagnostic *AppDiagnostic

	Context context.Context
}

func LoadConfig() *AppRuntime {
	once.Do(func() {
		appEnv := os.Getenv("API_ENV")
		if appEnv == "" {
			appEnv = "development"
		}

		var env map[string]string
		env, err := godotenv.Read(".env." + appEnv)
		if err != nil {
			log.Fatal(err)
		}

		appRuntime = &AppRuntime{
			Host:        env["HOST"],
			DatabaseDSN: env["DATABASE_DSN"],

			ServiceName:           env["SERVICE_NAME"],
			ServiceVersion:        env["SERVICE_VERSION"],
			DeploymentEnvironment: env["DEPLOY_ENV"],

			JaegerEndpoint:     env["JAEGER_ENDPOINT"],
			PrometheusEndpoint: env["PROMETHEUS_ENDPOINT"],
			Insecure:           env["INSECURE"] == "true",

			ClientID:           env["OB_CLIENT_ID"],
			ClientSecret:       env["OB_CLIENT_SECRET"],
			RequestingBank:     env["OB_REQUESTING_BANK"],
			RequestingBankName: env["OB_REQUESTING_BANK_NAME"],

			Banks: loadBankRegistry(env),

			SyncLockTTL:  durationEnv(env, "SYNC_LOCK_TTL_SECONDS", 300),
			SnapshotTTL:  durationEnv(env, "SNAPSHOT_TTL_SECONDS", 300),
			DashboardTTL: durationEnv(env, "DASHBOARD_TTL_SECONDS", 300),

			Diagnostic: &AppDiagnostic{
				Tracer: otel.Tracer(env["SERVICE_NAME"] + "-tracer"),
				Meter:  otel.Meter(env["SERVICE_NAME"] + "-meter"),
			},
		}
	})
	return appRuntime
}

// loadBankRegistry picks up every BANK_<ID>_URL pair from the env file.
// BANK_<ID>_NAME is optional and falls back to the id itself.
func loadBankRegistry(env map[string]string) map[string]BankConfig {
	banks := make(map[string]BankConfig)
	for key, value := range env {
		if !strings.HasPrefix(key, "BANK_") || !strings.HasSuffix(key, "_URL") {
			continue
		}
		id := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(key, "BANK_"), "_URL"))
		name := env["BANK_"+strings.ToUpper(id)+"_NAME"]
		if name == "" {
			name = id
		}
		banks[id] = BankConfig{
			ID:      id,
			Name:    name,
			BaseURL: strings.TrimRight(value, "/"),
		}
	}
	return banks
}

func durationEnv(env map[string]string, key string, fallback int) time.Duration {
	raw := env[key]
	if raw == "" {
		return time.Duration(fallback) * time.Second
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s value %q, using %d", key, raw, fallback)
		return time.Duration(fallback) * time.Second
	}
	return time.Duration(seconds) * time.Second
}
