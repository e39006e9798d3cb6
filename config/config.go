// Package config loads the runtime configuration from a file and WRITEBACK_
// environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/logger"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/upstream"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "WRITEBACK"

	ECode0A0101 = e.Code0A01 + "01"
	ECode0A0102 = e.Code0A01 + "02"
	ECode0A0103 = e.Code0A01 + "03"
)

// Config the whole runtime configuration
type Config struct {
	Database sql.ConnParam  `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Tenants  []Tenant       `mapstructure:"tenants"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Algolia  AlgoliaConfig  `mapstructure:"algolia"`
	Log      logger.Config  `mapstructure:"log"`
}

// WorkerConfig tuning of the sync worker
type WorkerConfig struct {
	BatchSize       int           `mapstructure:"batchSize"`
	Interval        time.Duration `mapstructure:"interval"`
	OrgConcurrency  int           `mapstructure:"orgConcurrency"`
	BaseDelay       time.Duration `mapstructure:"baseDelay"`
	MaxDelay        time.Duration `mapstructure:"maxDelay"`
	StaleAfter      time.Duration `mapstructure:"staleAfter"`
	RecoverInterval time.Duration `mapstructure:"recoverInterval"`
	// RatePerSecond outbound calls per organization, 0 disables the limit
	RatePerSecond float64 `mapstructure:"ratePerSecond"`
	// Listen wakes the worker on enqueue notifications
	Listen bool `mapstructure:"listen"`
}

// UpstreamConfig shared by every tenant client
type UpstreamConfig struct {
	Path           string        `mapstructure:"path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ConnRetries    int           `mapstructure:"connRetries"`
	ConnRetryDelay time.Duration `mapstructure:"connRetryDelay"`
}

// Tenant credentials of one organization. A list keeps the organization id
// case intact, viper lower cases map keys.
type Tenant struct {
	OrganizationID string `mapstructure:"organizationId"`
	BaseURL        string `mapstructure:"baseUrl"`
	Token          string `mapstructure:"token"`
}

// KafkaConfig of the lifecycle event stream. Empty brokers disables it.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	Topic             string   `mapstructure:"topic"`
	Partitions        int      `mapstructure:"partitions"`
	ReplicationFactor int      `mapstructure:"replicationFactor"`
	NoTLS             bool     `mapstructure:"noTls"`
	// Region enables MSK IAM auth
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	SessionToken    string `mapstructure:"sessionToken"`
}

// Enabled whether events should be published
func (kc KafkaConfig) Enabled() bool {
	return len(kc.Brokers) > 0
}

// AlgoliaConfig of the conflict search index. Empty app id disables it.
type AlgoliaConfig struct {
	AppID  string `mapstructure:"appId"`
	APIKey string `mapstructure:"apiKey"`
	Index  string `mapstructure:"index"`
}

// Enabled whether conflicts should be indexed
func (ac AlgoliaConfig) Enabled() bool {
	return ac.AppID != ""
}

func setDefaults(v *viper.Viper) {
	for _, k := range []string{"host", "port", "user", "password", "dbname", "sslmode", "searchpath"} {
		v.SetDefault("database."+k, "")
	}
	v.SetDefault("database.maxconns", 0)

	v.SetDefault("worker.batchSize", writeback.DefaultBatchSize)
	v.SetDefault("worker.interval", writeback.DefaultInterval)
	v.SetDefault("worker.orgConcurrency", writeback.DefaultOrgConcurrency)
	v.SetDefault("worker.baseDelay", writeback.DefaultBaseDelay)
	v.SetDefault("worker.maxDelay", writeback.DefaultMaxDelay)
	v.SetDefault("worker.staleAfter", writeback.DefaultStaleAfter)
	v.SetDefault("worker.recoverInterval", time.Minute)
	v.SetDefault("worker.ratePerSecond", 0)
	v.SetDefault("worker.listen", true)

	v.SetDefault("upstream.path", upstream.DefaultPath)
	v.SetDefault("upstream.timeout", upstream.DefaultTimeout)
	v.SetDefault("upstream.connRetries", upstream.DefaultConnRetries)
	v.SetDefault("upstream.connRetryDelay", upstream.DefaultConnRetryDelay)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "writeback-events")
	v.SetDefault("kafka.partitions", 1)
	v.SetDefault("kafka.replicationFactor", 1)
	v.SetDefault("kafka.noTls", false)
	for _, k := range []string{"region", "accessKeyId", "secretAccessKey", "sessionToken"} {
		v.SetDefault("kafka."+k, "")
	}

	v.SetDefault("algolia.appId", "")
	v.SetDefault("algolia.apiKey", "")
	v.SetDefault("algolia.index", "writeback_conflicts")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMb", 100)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAgeDays", 28)
}

// New returns a viper instance with defaults and environment binding, i.e.
// WRITEBACK_WORKER_BATCHSIZE overrides worker.batchSize
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads path (yaml, toml or json by extension) when given, then
// applies the environment. Without database settings the DBHOST style
// variables are used.
func Load(path string) (cfg *Config, err error) {
	v := New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, e.W(err, ECode0A0101, path)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration
func FromViper(v *viper.Viper) (cfg *Config, err error) {
	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, e.W(err, ECode0A0102)
	}

	if cfg.Database.Host == "" {
		cfg.Database = *sql.GetConnParamFromENV()
	}

	if err := cfg.Validate(); err != nil {
		return nil, e.W(err, ECode0A0103)
	}

	return cfg, nil
}

// Validate checks the values the worker cannot default
func (c *Config) Validate() error {
	var errs []error

	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batchSize must be positive"))
	}
	if c.Worker.OrgConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker.orgConcurrency must be positive"))
	}
	if c.Worker.BaseDelay <= 0 || c.Worker.MaxDelay < c.Worker.BaseDelay {
		errs = append(errs, fmt.Errorf("worker.maxDelay must be at least worker.baseDelay"))
	}
	if c.Worker.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("worker.ratePerSecond must not be negative"))
	}

	seen := map[string]bool{}
	for i, t := range c.Tenants {
		if t.OrganizationID == "" || t.BaseURL == "" {
			errs = append(errs, fmt.Errorf("tenants[%d] needs organizationId and baseUrl", i))
			continue
		}
		if seen[t.OrganizationID] {
			errs = append(errs, fmt.Errorf("tenant %s configured twice", t.OrganizationID))
		}
		seen[t.OrganizationID] = true
	}

	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		errs = append(errs, fmt.Errorf("kafka.topic is required with kafka.brokers"))
	}

	if c.Algolia.Enabled() && (c.Algolia.APIKey == "" || c.Algolia.Index == "") {
		errs = append(errs, fmt.Errorf("algolia.apiKey and algolia.index are required with algolia.appId"))
	}

	return errors.Join(errs...)
}

// Credentials the tenant list as a credential source
func (c *Config) Credentials() upstream.StaticCredentials {
	sc := make(upstream.StaticCredentials, len(c.Tenants))
	for _, t := range c.Tenants {
		sc[t.OrganizationID] = upstream.Credentials{BaseURL: t.BaseURL, Token: t.Token}
	}

	return sc
}

// UpstreamDefaults the client settings shared by every tenant
func (c *Config) UpstreamDefaults() upstream.Config {
	return upstream.Config{
		Path:           c.Upstream.Path,
		Timeout:        c.Upstream.Timeout,
		ConnRetries:    c.Upstream.ConnRetries,
		ConnRetryDelay: c.Upstream.ConnRetryDelay,
	}
}
