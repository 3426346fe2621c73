package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/kelseyhightower/envconfig"
	"github.com/oarkflow/squealx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/gatekeeper/logger"
	"github.com/oarkflow/gatekeeper/stores"
)

// Settings holds runtime configuration read from GATEKEEPER_* variables.
type Settings struct {
	DSN              string `envconfig:"DSN" default:"file:gatekeeper.db?_pragma=busy_timeout(5000)&_txlock=immediate"`
	RedisAddr        string `envconfig:"REDIS_ADDR"`
	RedisPrefix      string `envconfig:"REDIS_PREFIX" default:"gatekeeper:version:"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"gatekeeper"`
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("gatekeeper", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

var (
	dsnFlag      string
	logLevelFlag string

	registerer prometheus.Registerer = prometheus.DefaultRegisterer
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Gatekeeper authorization engine tool",
		Long:  "Validate and apply gatekeeper seed files, run decisions and read the audit log",
	}
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "database DSN (postgres:// or sqlite file)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(
		validateCmd(),
		statsCmd(),
		convertCmd(),
		migrateCmd(),
		applyCmd(),
		decideCmd(),
		auditCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// settings merges flags over the environment.
func settings(cmd *cobra.Command) (*Settings, error) {
	s, err := LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if cmd.Flags().Changed("dsn") {
		s.DSN = dsnFlag
	}
	if cmd.Flags().Changed("log-level") {
		s.LogLevel = logLevelFlag
	}
	return s, nil
}

// openDB picks the pgx driver for postgres URLs and sqlite for everything
// else.
func openDB(dsn string) (*squealx.DB, error) {
	driver, dialect := "sqlite", "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, dialect = "pgx", "postgres"
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	return squealx.NewDb(sqlDB, dialect, "gatekeeper"), nil
}

// runtime is everything a command that talks to the store needs.
type runtime struct {
	db     *squealx.DB
	store  *stores.SQLGrantStore
	audit  *stores.SQLAuditSink
	engine *gatekeeper.Engine
	redis  *redis.Client
}

func (r *runtime) Close(ctx context.Context) {
	if r.engine != nil {
		_ = r.engine.Close(ctx)
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	_ = r.db.Close()
}

// openRuntime connects the SQL store, the optional redis version counter
// and the engine. engineCfg may be nil.
func openRuntime(ctx context.Context, s *Settings, engineCfg *gatekeeper.EngineConfig) (*runtime, error) {
	db, err := openDB(s.DSN)
	if err != nil {
		return nil, err
	}
	if err := stores.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	rt := &runtime{db: db}
	var storeOpts []stores.SQLStoreOption
	if s.RedisAddr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		storeOpts = append(storeOpts, stores.WithVersionCounter(stores.NewRedisVersionCounter(rt.redis, s.RedisPrefix)))
	}
	rt.store = stores.NewSQLGrantStore(db, storeOpts...)
	rt.audit = stores.NewSQLAuditSink(db)

	if engineCfg == nil {
		engineCfg = &gatekeeper.EngineConfig{}
	}
	namespace := s.MetricsNamespace
	if engineCfg.MetricsNamespace != "" {
		namespace = engineCfg.MetricsNamespace
	}
	metrics, err := gatekeeper.NewMetrics(registerer, namespace)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	opts := append(engineCfg.Options(),
		gatekeeper.WithLogger(logger.NewPhusluLogger(logger.ParseLevel(s.LogLevel))),
		gatekeeper.WithMetrics(metrics),
	)
	rt.engine, err = gatekeeper.NewEngine(rt.store, rt.audit, opts...)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}
