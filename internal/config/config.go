package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/archive"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/backup"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/retry"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

// Config holds the backuplet settings, read from an optional YAML file then env vars.
type Config struct {
	Interval Duration `yaml:"interval"`

	// Errors is "propagate" or "log"; empty picks the mode default.
	Errors  string `yaml:"errors"`
	Logging bool   `yaml:"logging"`
	Workdir string `yaml:"workdir"`

	MetricsAddr string `yaml:"metricsAddr"`

	Cloud   CloudConfig   `yaml:"cloud"`
	Rethink RethinkConfig `yaml:"rethinkdb"`
	Retry   RetryConfig   `yaml:"retry"`
}

// CloudConfig selects the storage provider and the object key prefix.
type CloudConfig struct {
	Provider string       `yaml:"provider"` // google | aws | azure
	Path     []string     `yaml:"path"`
	Google   GoogleConfig `yaml:"google"`
	AWS      AWSConfig    `yaml:"aws"`
	Azure    AzureConfig  `yaml:"azure"`
}

// GoogleConfig holds service account credentials for Cloud Storage.
type GoogleConfig struct {
	ClientEmail string `yaml:"clientEmail"`
	PrivateKey  string `yaml:"privateKey"`
	ProjectID   string `yaml:"projectId"`
	Bucket      string `yaml:"bucket"`
	Public      bool   `yaml:"public"`
}

// AWSConfig holds static credentials for S3 or an S3-compatible endpoint.
type AWSConfig struct {
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
}

// AzureConfig holds Blob Storage settings: a SAS token or a service principal.
type AzureConfig struct {
	Account   string `yaml:"account"`
	Container string `yaml:"container"`
	SASToken  string `yaml:"sas"`

	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	TenantID     string `yaml:"tenantId"`
	Endpoint     string `yaml:"endpoint"`
}

// RethinkConfig describes the cluster to export and the table filters.
type RethinkConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      bool             `yaml:"tls"`
	CACert   string           `yaml:"caCert"`
	DB       string           `yaml:"db"`
	User     string           `yaml:"user"`
	Password string           `yaml:"password"`
	Pluck    []archive.Filter `yaml:"pluck"`
	Without  []archive.Filter `yaml:"without"`
}

// RetryConfig tunes retries of storage calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

func defaults() Config {
	return Config{
		Logging: true,
		Workdir: ".",
		Rethink: RethinkConfig{Port: 28015},
		Retry: RetryConfig{
			MaxAttempts:  retry.Default.MaxAttempts,
			InitialDelay: retry.Default.InitialDelay,
			MaxDelay:     retry.Default.MaxDelay,
			Multiplier:   retry.Default.Multiplier,
			Jitter:       retry.Default.Jitter,
		},
	}
}

// Load reads the optional YAML file named by BACKUP_CONFIG_FILE, applies
// environment overrides on top, then validates.
func Load() (Config, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("BACKUP_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) error {
	lookup := func(key string) (string, bool) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	}
	str := func(dst *string, key string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(dst *bool, key string) {
		if v, ok := lookup(key); ok {
			if b, ok := parseBool(v); ok {
				*dst = b
			}
		}
	}

	if v, ok := lookup("BACKUP_INTERVAL"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("BACKUP_INTERVAL: %w", err)
		}
		c.Interval = Duration(d)
	}
	str(&c.Errors, "BACKUP_ERRORS")
	boolean(&c.Logging, "BACKUP_LOGGING")
	str(&c.Workdir, "BACKUP_WORKDIR")
	str(&c.MetricsAddr, "METRICS_ADDR")

	str(&c.Cloud.Provider, "BACKUP_CLOUD")
	if v, ok := lookup("BACKUP_PATH"); ok {
		c.Cloud.Path = splitPath(v)
	}

	g := &c.Cloud.Google
	str(&g.ClientEmail, "GOOGLE_CLIENT_EMAIL")
	str(&g.PrivateKey, "GOOGLE_PRIVATE_KEY")
	str(&g.ProjectID, "GOOGLE_PROJECT_ID")
	str(&g.Bucket, "GOOGLE_BUCKET")
	boolean(&g.Public, "GOOGLE_PUBLIC")

	a := &c.Cloud.AWS
	str(&a.AccessKeyID, "AWS_ACCESS_KEY_ID")
	str(&a.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	str(&a.Region, "AWS_REGION")
	str(&a.Endpoint, "AWS_ENDPOINT")
	str(&a.Bucket, "AWS_BUCKET")

	z := &c.Cloud.Azure
	str(&z.Account, "AZURE_STORAGE_ACCOUNT")
	str(&z.Container, "AZURE_STORAGE_CONTAINER")
	str(&z.SASToken, "AZURE_STORAGE_SAS")
	str(&z.ClientID, "AZURE_CLIENT_ID")
	str(&z.ClientSecret, "AZURE_CLIENT_SECRET")
	str(&z.TenantID, "AZURE_TENANT_ID")
	str(&z.Endpoint, "AZURE_BLOB_ENDPOINT")

	r := &c.Rethink
	str(&r.Host, "RETHINK_HOST")
	if v, ok := lookup("RETHINK_PORT"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("RETHINK_PORT: %w", err)
		}
		r.Port = n
	}
	boolean(&r.TLS, "RETHINK_TLS")
	str(&r.CACert, "RETHINK_CA_CERT")
	str(&r.DB, "RETHINK_DB")
	str(&r.User, "RETHINK_USER")
	str(&r.Password, "RETHINK_PASSWORD")
	if v, ok := lookup("BACKUP_PLUCK"); ok {
		f, err := parseFilters(v)
		if err != nil {
			return fmt.Errorf("BACKUP_PLUCK: %w", err)
		}
		r.Pluck = f
	}
	if v, ok := lookup("BACKUP_WITHOUT"); ok {
		f, err := parseFilters(v)
		if err != nil {
			return fmt.Errorf("BACKUP_WITHOUT: %w", err)
		}
		r.Without = f
	}

	// Retry knobs keep their previous value on malformed input.
	rt := &c.Retry
	if v, ok := lookup("RETRY_MAX_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			rt.MaxAttempts = n
		}
	}
	if v, ok := lookup("RETRY_INITIAL_DELAY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			rt.InitialDelay = d
		}
	}
	if v, ok := lookup("RETRY_MAX_DELAY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			rt.MaxDelay = d
		}
	}
	if v, ok := lookup("RETRY_MULTIPLIER"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rt.Multiplier = f
		}
	}
	boolean(&rt.Jitter, "RETRY_JITTER")
	return nil
}

func (c *Config) normalize() {
	c.Cloud.Provider = strings.ToLower(strings.TrimSpace(c.Cloud.Provider))
	c.Errors = strings.ToLower(strings.TrimSpace(c.Errors))
	if strings.TrimSpace(c.Workdir) == "" {
		c.Workdir = "."
	}
	// keys pasted into env files usually carry literal \n
	c.Cloud.Google.PrivateKey = strings.ReplaceAll(c.Cloud.Google.PrivateKey, `\n`, "\n")
	c.Cloud.Path = splitPath(strings.Join(c.Cloud.Path, "/"))
}

// validate checks interval, policy, provider credentials and the RethinkDB block.
func (c *Config) validate() error {
	if d := time.Duration(c.Interval); d < time.Millisecond || d%time.Millisecond != 0 {
		return fmt.Errorf("BACKUP_INTERVAL: %w", backup.ErrInvalidInterval)
	}
	if c.Errors != "" {
		if _, err := backup.ParseErrorPolicy(c.Errors); err != nil {
			return fmt.Errorf("BACKUP_ERRORS: %w", err)
		}
	}

	switch c.Cloud.Provider {
	case string(storage.KindGoogleCloud):
		g := c.Cloud.Google
		if g.ClientEmail == "" || g.PrivateKey == "" || g.Bucket == "" {
			return errors.New("google: GOOGLE_CLIENT_EMAIL, GOOGLE_PRIVATE_KEY and GOOGLE_BUCKET are required")
		}
	case string(storage.KindAwsS3):
		a := c.Cloud.AWS
		if a.AccessKeyID == "" || a.SecretAccessKey == "" {
			return errors.New("aws: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
		}
		if a.Region == "" || a.Bucket == "" {
			return errors.New("aws: AWS_REGION and AWS_BUCKET are required")
		}
	case string(storage.KindAzureBlob):
		if c.Cloud.Azure.Account == "" || c.Cloud.Azure.Container == "" {
			return errors.New("azure: AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_CONTAINER are required")
		}
		// SAS, service principal or DefaultAzureCredential: all resolved by the backend.
	case "":
		return errors.New("BACKUP_CLOUD is required (google|aws|azure)")
	default:
		return fmt.Errorf("unsupported cloud provider: %s", c.Cloud.Provider)
	}

	r := c.Rethink
	if r.Host == "" || r.DB == "" || r.User == "" {
		return errors.New("rethinkdb: RETHINK_HOST, RETHINK_DB and RETHINK_USER are required")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("rethinkdb: invalid port %d", r.Port)
	}
	if len(r.Pluck) > 0 && len(r.Without) > 0 {
		return errors.New("rethinkdb: BACKUP_PLUCK and BACKUP_WITHOUT are mutually exclusive")
	}
	return nil
}

// Policy returns the configured error policy, or the mode default:
// LogAndContinue for continuous runs, Propagate for single shots.
func (c Config) Policy(continuous bool) backup.ErrorPolicy {
	if p, err := backup.ParseErrorPolicy(c.Errors); err == nil {
		return p
	}
	if continuous {
		return backup.LogAndContinue
	}
	return backup.Propagate
}

// Target builds the storage variant selected by the provider.
func (c Config) Target() storage.Target {
	path := append([]string(nil), c.Cloud.Path...)
	switch c.Cloud.Provider {
	case string(storage.KindGoogleCloud):
		g := c.Cloud.Google
		return storage.GoogleCloud{
			ClientEmail: g.ClientEmail,
			PrivateKey:  g.PrivateKey,
			ProjectID:   g.ProjectID,
			Bucket:      g.Bucket,
			Path:        path,
			Public:      g.Public,
		}
	case string(storage.KindAwsS3):
		a := c.Cloud.AWS
		return storage.AwsS3{
			AccessKeyID:     a.AccessKeyID,
			SecretAccessKey: a.SecretAccessKey,
			Region:          a.Region,
			Endpoint:        a.Endpoint,
			Bucket:          a.Bucket,
			Path:            path,
		}
	case string(storage.KindAzureBlob):
		z := c.Cloud.Azure
		return storage.AzureBlob{
			Account:      z.Account,
			Container:    z.Container,
			SASToken:     z.SASToken,
			ClientID:     z.ClientID,
			ClientSecret: z.ClientSecret,
			TenantID:     z.TenantID,
			Endpoint:     z.Endpoint,
			Path:         path,
		}
	default:
		return nil
	}
}

// ArchiveOptions converts the RethinkDB block for the archiver.
func (c Config) ArchiveOptions() archive.Options {
	r := c.Rethink
	return archive.Options{
		Connection: archive.Connection{
			Host:     r.Host,
			Port:     r.Port,
			TLS:      r.TLS,
			CACert:   r.CACert,
			DB:       r.DB,
			User:     r.User,
			Password: r.Password,
		},
		Pluck:   r.Pluck,
		Without: r.Without,
	}
}

// RunContext assembles the run parameters for the given mode.
func (c Config) RunContext(continuous bool) backup.RunContext {
	return backup.RunContext{
		Continuous: continuous,
		Interval:   time.Duration(c.Interval),
		Policy:     c.Policy(continuous),
		Logging:    c.Logging,
		Target:     c.Target(),
		Archive:    c.ArchiveOptions(),
	}
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	}
}
