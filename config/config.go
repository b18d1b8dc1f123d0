// Package config loads the service configuration from a yaml file and CRYPTODCA_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	SettlementSimulate = "simulate"
	SettlementEVM      = "evm"

	defaultListen   = ":8080"
	defaultDataDir  = "data"
	defaultSchedule = "@every 30s"
)

type Config struct {
	LogLevel string
	API      APIConfig
	Storage  StorageConfig
	Registry domain.InitConfig
	// Custody is the account holding escrowed and accrued assets in simulate mode.
	// In evm mode it is derived from the private key.
	Custody    common.Address
	Settlement string
	Simulate   SimulateConfig
	EVM        EVMConfig
	Keeper     KeeperConfig
	Events     EventsConfig
}

type APIConfig struct {
	Listen    string
	JWTSecret string
	TokenTTL  time.Duration
}

type StorageConfig struct {
	WALDir  string
	BankDir string
}

type SimulateConfig struct {
	Pool       common.Address
	HaircutBps int64
	Prices     []Price
	Balances   []Balance
}

type Price struct {
	Pair domain.Pair
	Rate decimal.Decimal
}

// Balance seeds an account. Approve grants custody an allowance of the same amount.
type Balance struct {
	Asset   common.Address
	Account common.Address
	Amount  decimal.Decimal
	Approve bool
}

type EVMConfig struct {
	RPCURL     string
	PrivateKey string
	Deadline   time.Duration
}

type KeeperConfig struct {
	Enabled     bool
	Schedule    string
	Parallelism int
	Executor    common.Address
}

type EventsConfig struct {
	Buffer        int
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	AMQPURL       string
	AMQPExchange  string
}

type ConfigTmp struct {
	LogLevel string `yaml:"log_level"`
	API      struct {
		Listen    string        `yaml:"listen"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"api"`
	Storage struct {
		WALDir  string `yaml:"wal_dir"`
		BankDir string `yaml:"bank_dir"`
	} `yaml:"storage"`
	Registry struct {
		Admin                     string   `yaml:"admin"`
		Executors                 []string `yaml:"executors"`
		Router                    string   `yaml:"router"`
		EligibleSourceAssets      []string `yaml:"eligible_source_assets"`
		FeeRateBps                *int64   `yaml:"fee_rate_bps,omitempty"`
		ExecutionTolerance        string   `yaml:"execution_tolerance,omitempty"`
		MinimumAmountPerExecution string   `yaml:"minimum_amount_per_execution,omitempty"`
	} `yaml:"registry"`
	Custody    string `yaml:"custody"`
	Settlement string `yaml:"settlement"`
	Simulate   struct {
		Pool       string `yaml:"pool"`
		HaircutBps int64  `yaml:"haircut_bps"`
		Prices     []struct {
			Source string `yaml:"source"`
			Target string `yaml:"target"`
			Rate   string `yaml:"rate"`
		} `yaml:"prices"`
		Balances []struct {
			Asset   string `yaml:"asset"`
			Account string `yaml:"account"`
			Amount  string `yaml:"amount"`
			Approve bool   `yaml:"approve"`
		} `yaml:"balances"`
	} `yaml:"simulate"`
	EVM struct {
		RPCURL   string        `yaml:"rpc_url"`
		Deadline time.Duration `yaml:"deadline"`
	} `yaml:"evm"`
	Keeper struct {
		Enabled     bool   `yaml:"enabled"`
		Schedule    string `yaml:"schedule"`
		Parallelism int    `yaml:"parallelism"`
		Executor    string `yaml:"executor"`
	} `yaml:"keeper"`
	Events struct {
		Buffer int `yaml:"buffer"`
		Redis  struct {
			Address string `yaml:"address"`
			DB      int    `yaml:"db"`
			Stream  string `yaml:"stream"`
		} `yaml:"redis"`
		AMQP struct {
			Exchange string `yaml:"exchange"`
		} `yaml:"amqp"`
	} `yaml:"events"`
}

// overrides are read from the environment after the file. Secrets only come from here.
type overrides struct {
	LogLevel      string `env:"LOG_LEVEL"`
	Listen        string `env:"LISTEN"`
	JWTSecret     string `env:"JWT_SECRET"`
	WALDir        string `env:"WAL_DIR"`
	BankDir       string `env:"BANK_DIR"`
	Settlement    string `env:"SETTLEMENT"`
	RPCURL        string `env:"EVM_RPC_URL"`
	PrivateKey    string `env:"EVM_PRIVATE_KEY"`
	RedisAddress  string `env:"REDIS_ADDRESS"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	AMQPURL       string `env:"AMQP_URL"`
	KeeperEnabled *bool  `env:"KEEPER_ENABLED"`
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (Config, error) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (Config, error) {
	var tmp ConfigTmp
	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(f, &tmp); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	cfg, err := fromTmp(tmp)
	if err != nil {
		return Config{}, err
	}

	var o overrides
	opts := env.Options{Prefix: "CRYPTODCA_"}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	o.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromTmp(c ConfigTmp) (Config, error) {
	cfg := Config{
		LogLevel:   orDefault(c.LogLevel, "info"),
		Settlement: orDefault(strings.ToLower(c.Settlement), SettlementSimulate),
		API: APIConfig{
			Listen:    orDefault(c.API.Listen, defaultListen),
			JWTSecret: c.API.JWTSecret,
			TokenTTL:  c.API.TokenTTL,
		},
		Storage: StorageConfig{
			WALDir:  orDefault(c.Storage.WALDir, defaultDataDir+"/wal"),
			BankDir: orDefault(c.Storage.BankDir, defaultDataDir+"/bank"),
		},
		EVM: EVMConfig{RPCURL: c.EVM.RPCURL, Deadline: c.EVM.Deadline},
		Keeper: KeeperConfig{
			Enabled:     c.Keeper.Enabled,
			Schedule:    orDefault(c.Keeper.Schedule, defaultSchedule),
			Parallelism: c.Keeper.Parallelism,
		},
		Events: EventsConfig{
			Buffer:       c.Events.Buffer,
			RedisAddress: c.Events.Redis.Address,
			RedisDB:      c.Events.Redis.DB,
			RedisStream:  c.Events.Redis.Stream,
			AMQPExchange: c.Events.AMQP.Exchange,
		},
		Simulate: SimulateConfig{HaircutBps: c.Simulate.HaircutBps},
	}
	if cfg.EVM.Deadline == 0 {
		cfg.EVM.Deadline = 2 * time.Minute
	}

	var err error
	if cfg.Registry.Admin, err = optionalAddress("registry.admin", c.Registry.Admin); err != nil {
		return Config{}, err
	}
	if cfg.Registry.Router, err = optionalAddress("registry.router", c.Registry.Router); err != nil {
		return Config{}, err
	}
	if cfg.Registry.Executors, err = addresses("registry.executors", c.Registry.Executors); err != nil {
		return Config{}, err
	}
	if cfg.Registry.EligibleSourceAssets, err = addresses("registry.eligible_source_assets", c.Registry.EligibleSourceAssets); err != nil {
		return Config{}, err
	}
	cfg.Registry.FeeRateBps = c.Registry.FeeRateBps
	if c.Registry.ExecutionTolerance != "" {
		d, err := time.ParseDuration(c.Registry.ExecutionTolerance)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'execution_tolerance' param in yaml config (correct format is 15m), error: %w", err)
		}
		cfg.Registry.ExecutionTolerance = &d
	}
	if c.Registry.MinimumAmountPerExecution != "" {
		m, err := decimal.NewFromString(c.Registry.MinimumAmountPerExecution)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'minimum_amount_per_execution' param in yaml config, error: %w", err)
		}
		cfg.Registry.MinimumAmountPerExecution = &m
	}

	if cfg.Custody, err = optionalAddress("custody", c.Custody); err != nil {
		return Config{}, err
	}
	if cfg.Keeper.Executor, err = optionalAddress("keeper.executor", c.Keeper.Executor); err != nil {
		return Config{}, err
	}
	if cfg.Simulate.Pool, err = optionalAddress("simulate.pool", c.Simulate.Pool); err != nil {
		return Config{}, err
	}

	for i, p := range c.Simulate.Prices {
		source, err := requiredAddress(fmt.Sprintf("simulate.prices[%d].source", i), p.Source)
		if err != nil {
			return Config{}, err
		}
		target, err := requiredAddress(fmt.Sprintf("simulate.prices[%d].target", i), p.Target)
		if err != nil {
			return Config{}, err
		}
		rate, err := decimal.NewFromString(p.Rate)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'rate' param in simulate.prices[%d] (correct format is 0.0005), error: %w", i, err)
		}
		cfg.Simulate.Prices = append(cfg.Simulate.Prices, Price{Pair: domain.Pair{Source: source, Target: target}, Rate: rate})
	}
	for i, b := range c.Simulate.Balances {
		asset, err := requiredAddress(fmt.Sprintf("simulate.balances[%d].asset", i), b.Asset)
		if err != nil {
			return Config{}, err
		}
		account, err := requiredAddress(fmt.Sprintf("simulate.balances[%d].account", i), b.Account)
		if err != nil {
			return Config{}, err
		}
		amount, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'amount' param in simulate.balances[%d], error: %w", i, err)
		}
		cfg.Simulate.Balances = append(cfg.Simulate.Balances, Balance{Asset: asset, Account: account, Amount: amount, Approve: b.Approve})
	}

	return cfg, nil
}

func (o overrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.LogLevel, o.LogLevel)
	set(&cfg.API.Listen, o.Listen)
	set(&cfg.API.JWTSecret, o.JWTSecret)
	set(&cfg.Storage.WALDir, o.WALDir)
	set(&cfg.Storage.BankDir, o.BankDir)
	set(&cfg.Settlement, strings.ToLower(o.Settlement))
	set(&cfg.EVM.RPCURL, o.RPCURL)
	set(&cfg.EVM.PrivateKey, o.PrivateKey)
	set(&cfg.Events.RedisAddress, o.RedisAddress)
	set(&cfg.Events.RedisPassword, o.RedisPassword)
	set(&cfg.Events.AMQPURL, o.AMQPURL)
	if o.KeeperEnabled != nil {
		cfg.Keeper.Enabled = *o.KeeperEnabled
	}
}

// Validate checks the combination of settings needed to serve.
func (c Config) Validate() error {
	switch c.Settlement {
	case SettlementSimulate:
		if c.Custody == (common.Address{}) {
			return errors.New("custody address is required in simulate mode")
		}
		if c.Simulate.Pool == (common.Address{}) {
			return errors.New("simulate.pool is required in simulate mode")
		}
		if !domain.ValidateBps(c.Simulate.HaircutBps) {
			return errors.Errorf("simulate.haircut_bps must be within [0, %d], got %d", domain.BpsDenominator, c.Simulate.HaircutBps)
		}
	case SettlementEVM:
		if c.EVM.RPCURL == "" || c.EVM.PrivateKey == "" {
			return errors.New("evm mode requires CRYPTODCA_EVM_RPC_URL and CRYPTODCA_EVM_PRIVATE_KEY")
		}
		if c.Registry.Router == (common.Address{}) {
			return errors.New("evm mode requires registry.router")
		}
	default:
		return errors.Errorf("unsupported settlement %q", c.Settlement)
	}

	if c.Keeper.Enabled {
		if c.Keeper.Executor == (common.Address{}) {
			return errors.New("keeper.executor is required when the keeper is enabled")
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func optionalAddress(name, raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, nil
	}
	return requiredAddress(name, raw)
}

func requiredAddress(name, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("incorrect '%s' param in yaml config: %q is not an address", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func addresses(name string, raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for i, r := range raw {
		a, err := requiredAddress(fmt.Sprintf("%s[%d]", name, i), r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
