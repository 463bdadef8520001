package config

import (
	"context"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	// AgentConfig is read from an optional YAML file, then overridden by
	// environment variables.
	AgentConfig struct {
		Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT" env-default:"development"`
		SentryDSN   string `yaml:"sentry_dsn" env:"SENTRY_DSN"`
		AgentID     string `yaml:"agent_id" env:"APM_AGENT_ID"`
		Port        string `yaml:"port" env:"PORT" env-default:"8080"`
		LogLevel    string `yaml:"log_level" env:"APM_LOG_LEVEL" env-default:"info"`

		// DataDir holds generated instrumentation artifacts under tmp/.
		DataDir string `yaml:"data_dir" env:"APM_DATA_DIR" env-default:"/tmp/apmcore"`
		// Instrumentation switches from the in-process loader to the
		// artifact-file loader.
		Instrumentation bool `yaml:"instrumentation" env:"APM_INSTRUMENTATION" env-default:"false"`

		FlushInterval      time.Duration `yaml:"flush_interval" env:"APM_FLUSH_INTERVAL" env-default:"1m"`
		ConfigPollInterval time.Duration `yaml:"config_poll_interval" env:"APM_CONFIG_POLL_INTERVAL" env-default:"30s"`

		// AggregatesBucket is a gocloud.dev bucket URL, e.g. gs://bucket or
		// file:///var/lib/apmcore/aggregates.
		AggregatesBucket      string   `yaml:"aggregates_bucket" env:"APM_AGGREGATES_BUCKET"`
		AggregatesKafkaBroker []string `yaml:"aggregates_kafka_brokers" env:"APM_AGGREGATES_KAFKA_BROKERS" env-separator:","`
		AggregatesKafkaTopic  string   `yaml:"aggregates_kafka_topic" env:"APM_AGGREGATES_KAFKA_TOPIC" env-default:"apm-aggregates"`

		// AggregatesEncoding is "lz4", "br" or "" for plain JSON.
		AggregatesEncoding string `yaml:"aggregates_encoding" env:"APM_AGGREGATES_ENCODING" env-default:"lz4"`

		// AggregatesBigQueryTable is project.dataset.table.
		AggregatesBigQueryTable string `yaml:"aggregates_bigquery_table" env:"APM_AGGREGATES_BIGQUERY_TABLE"`

		RemoteConfigURL string `yaml:"remote_config_url" env:"APM_REMOTE_CONFIG_URL"`

		Pointcuts []PointcutConfig `yaml:"pointcuts"`
	}

	// Source supplies pointcut configuration snapshots.
	Source interface {
		Pointcuts(ctx context.Context) ([]PointcutConfig, error)
	}

	// FileSource re-reads the pointcuts of a YAML config file on every call,
	// so edits to the file are picked up by the next poll.
	FileSource struct {
		Path string
	}
)

// Load reads the agent configuration from path, or from the environment only
// when path is empty.
func Load(path string) (AgentConfig, error) {
	var cfg AgentConfig
	var err error
	if path == "" {
		err = cleanenv.ReadEnv(&cfg)
	} else {
		err = cleanenv.ReadConfig(path, &cfg)
	}
	if err != nil {
		return AgentConfig{}, err
	}
	switch cfg.AggregatesEncoding {
	case "", "lz4", "br":
	default:
		return AgentConfig{}, fmt.Errorf("config: unknown aggregates encoding %q", cfg.AggregatesEncoding)
	}
	if err := ValidatePointcuts(cfg.Pointcuts); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (s FileSource) Pointcuts(_ context.Context) ([]PointcutConfig, error) {
	var f struct {
		Pointcuts []PointcutConfig `yaml:"pointcuts"`
	}
	if err := cleanenv.ReadConfig(s.Path, &f); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", s.Path, err)
	}
	if err := ValidatePointcuts(f.Pointcuts); err != nil {
		return nil, err
	}
	return f.Pointcuts, nil
}

// ValidatePointcuts validates every pointcut of a snapshot.
func ValidatePointcuts(pointcuts []PointcutConfig) error {
	for _, p := range pointcuts {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
