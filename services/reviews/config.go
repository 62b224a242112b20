package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config agrupa a configuração do serviço de reviews verificadas.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
		Port string `yaml:"port"`
		Env  string `yaml:"env"`
	} `yaml:"service"`

	Store struct {
		// Driver: memory | postgres | mongo
		Driver        string `yaml:"driver"`
		PostgresDSN   string `yaml:"postgres_dsn"`
		MaxConns      int32  `yaml:"max_conns"`
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`
	} `yaml:"store"`

	Ledger struct {
		// Backend: local | gateway
		Backend        string        `yaml:"backend"`
		DataDir        string        `yaml:"data_dir"`
		BlockInterval  time.Duration `yaml:"block_interval"`
		GatewayURL     string        `yaml:"gateway_url"`
		GatewayAPIKey  string        `yaml:"gateway_api_key"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		Signer         string        `yaml:"signer"`
		Confirmations  uint64        `yaml:"confirmations"`
		ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
		MaxAttempts    uint          `yaml:"max_attempts"`
	} `yaml:"ledger"`

	Redis struct {
		Addr       string        `yaml:"addr"`
		Password   string        `yaml:"password"`
		DB         int           `yaml:"db"`
		LockExpiry time.Duration `yaml:"lock_expiry"`
		LockTries  int           `yaml:"lock_tries"`
	} `yaml:"redis"`

	Orders struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"orders"`

	Identity struct {
		BaseURL   string        `yaml:"base_url"`
		Namespace string        `yaml:"namespace"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"identity"`

	Content struct {
		IPFSURL string        `yaml:"ipfs_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"content"`

	DTM struct {
		Server     string `yaml:"server"`
		ServiceURL string `yaml:"service_url"`
	} `yaml:"dtm"`

	Issuance struct {
		MaxRegistrationAttempts int `yaml:"max_registration_attempts"`
	} `yaml:"issuance"`

	Redemption struct {
		Timeout        time.Duration `yaml:"timeout"`
		CommitAttempts uint          `yaml:"commit_attempts"`
	} `yaml:"redemption"`

	Reconciler struct {
		BatchSize        int           `yaml:"batch_size"`
		OrphanClaimAge   time.Duration `yaml:"orphan_claim_age"`
		UnconfirmedGrace time.Duration `yaml:"unconfirmed_grace"`
		UnregisteredAge  time.Duration `yaml:"unregistered_age"`
		// Expressões cron com segundos (robfig/cron WithSeconds).
		RetrySchedule     string `yaml:"retry_schedule"`
		OrphanSchedule    string `yaml:"orphan_schedule"`
		ReconcileSchedule string `yaml:"reconcile_schedule"`
	} `yaml:"reconciler"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Service.Name = "sdc-reviews"
	cfg.Service.Port = "8080"
	cfg.Service.Env = "development"

	cfg.Store.Driver = "memory"
	cfg.Store.MaxConns = 20
	cfg.Store.MongoDatabase = "sdc"

	cfg.Ledger.Backend = "local"
	cfg.Ledger.BlockInterval = 0
	cfg.Ledger.RequestTimeout = 10 * time.Second
	cfg.Ledger.Signer = "platform"
	cfg.Ledger.Confirmations = 1
	cfg.Ledger.ConfirmTimeout = 30 * time.Second
	cfg.Ledger.MaxAttempts = 4

	cfg.Redis.LockExpiry = time.Minute
	cfg.Redis.LockTries = 64

	cfg.Orders.Timeout = 5 * time.Second
	cfg.Identity.Namespace = "buysewa"
	cfg.Identity.Timeout = 5 * time.Second
	cfg.Content.Timeout = 15 * time.Second

	// sem servidor DTM o registro pendente fica só com a varredura do cron
	cfg.DTM.Server = ""
	cfg.DTM.ServiceURL = "http://sdc-reviews:8080"

	cfg.Issuance.MaxRegistrationAttempts = 10

	cfg.Redemption.Timeout = 2 * time.Minute
	cfg.Redemption.CommitAttempts = 5

	cfg.Reconciler.BatchSize = 100
	cfg.Reconciler.OrphanClaimAge = 10 * time.Minute
	cfg.Reconciler.UnconfirmedGrace = time.Hour
	cfg.Reconciler.UnregisteredAge = time.Minute
	cfg.Reconciler.RetrySchedule = "0 */1 * * * *"
	cfg.Reconciler.OrphanSchedule = "30 */5 * * * *"
	cfg.Reconciler.ReconcileSchedule = "15 */2 * * * *"
	return cfg
}

// LoadConfig lê .env (opcional), o arquivo YAML (opcional) e aplica as
// variáveis de ambiente por cima.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Service.Name = getEnv("SERVICE_NAME", c.Service.Name)
	c.Service.Port = getEnv("PORT", c.Service.Port)
	c.Service.Env = getEnv("APP_ENV", c.Service.Env)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.PostgresDSN = getEnv("DATABASE_URL", c.Store.PostgresDSN)
	c.Store.MongoURI = getEnv("MONGO_URI", c.Store.MongoURI)
	c.Store.MongoDatabase = getEnv("MONGO_DATABASE", c.Store.MongoDatabase)

	c.Ledger.Backend = getEnv("LEDGER_BACKEND", c.Ledger.Backend)
	c.Ledger.DataDir = getEnv("LEDGER_DATA_DIR", c.Ledger.DataDir)
	c.Ledger.GatewayURL = getEnv("LEDGER_GATEWAY_URL", c.Ledger.GatewayURL)
	c.Ledger.GatewayAPIKey = getEnv("LEDGER_GATEWAY_API_KEY", c.Ledger.GatewayAPIKey)
	c.Ledger.Signer = getEnv("LEDGER_SIGNER", c.Ledger.Signer)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Orders.BaseURL = getEnv("ORDERS_SERVICE_URL", c.Orders.BaseURL)
	c.Identity.BaseURL = getEnv("AUTH_SERVICE_URL", c.Identity.BaseURL)
	c.Content.IPFSURL = getEnv("IPFS_API_URL", c.Content.IPFSURL)

	c.DTM.Server = getEnv("DTM_SERVER", c.DTM.Server)
	c.DTM.ServiceURL = getEnv("SERVICE_URL", c.DTM.ServiceURL)

	var err error
	if c.Ledger.BlockInterval, err = getEnvDuration("LEDGER_BLOCK_INTERVAL", c.Ledger.BlockInterval); err != nil {
		return err
	}
	if c.Ledger.ConfirmTimeout, err = getEnvDuration("LEDGER_CONFIRM_TIMEOUT", c.Ledger.ConfirmTimeout); err != nil {
		return err
	}
	if c.Redemption.Timeout, err = getEnvDuration("REDEMPTION_TIMEOUT", c.Redemption.Timeout); err != nil {
		return err
	}
	if c.Reconciler.OrphanClaimAge, err = getEnvDuration("ORPHAN_CLAIM_AGE", c.Reconciler.OrphanClaimAge); err != nil {
		return err
	}
	if v := os.Getenv("LEDGER_CONFIRMATIONS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_CONFIRMATIONS %q: %w", v, err)
		}
		c.Ledger.Confirmations = n
	}
	return nil
}

// Validate rejeita combinações que quebrariam o protocolo de resgate.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Ledger.Backend {
	case "local":
	case "gateway":
		if c.Ledger.GatewayURL == "" {
			errs = append(errs, errors.New("ledger.gateway_url is required for the gateway backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}

	if c.Ledger.Confirmations == 0 {
		errs = append(errs, errors.New("ledger.confirmations must be at least 1"))
	}
	if c.Redemption.Timeout <= c.Ledger.ConfirmTimeout {
		errs = append(errs, errors.New("redemption.timeout must exceed ledger.confirm_timeout"))
	}
	// um claim só é órfão depois que o resgate que o segura já expirou
	if c.Reconciler.OrphanClaimAge <= c.Redemption.Timeout {
		errs = append(errs, errors.New("reconciler.orphan_claim_age must exceed redemption.timeout"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
