package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"settlement-backend/core/association"
	"settlement-backend/core/settlement"
	"settlement-backend/storage/auth"
	"settlement-backend/transport"
)

type Config struct {
	HTTP        HTTPConfig         `yaml:"http" toml:"http"`
	Store       StoreConfig        `yaml:"store" toml:"store"`
	Settlement  SettlementConfig   `yaml:"settlement" toml:"settlement"`
	Association AssociationConfig  `yaml:"association" toml:"association"`
	Transport   TransportConfig    `yaml:"transport" toml:"transport"`
	Telemetry   TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
	Chains      []settlement.Chain `yaml:"chains" toml:"chains"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
	// APIKey is an operator key that may act for any account.
	APIKey string `yaml:"api_key" toml:"api_key"`
	// Keys bind API keys to the single account they may act as.
	Keys []APIKeyConfig `yaml:"keys" toml:"keys"`
	// RelayerSecret lets the bridge relayer post delivery results without an
	// operator key.
	RelayerSecret string `yaml:"relayer_secret" toml:"relayer_secret"`
	// CORSOrigins lists browser origins granted access. Empty allows any.
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

type APIKeyConfig struct {
	Key     string `yaml:"key" toml:"key"`
	Account string `yaml:"account" toml:"account"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver" toml:"driver"` // memory | postgres | sqlite
	PGDSN      string `yaml:"pg_dsn" toml:"pg_dsn"`
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

type SettlementConfig struct {
	Asset           string `yaml:"asset" toml:"asset"`
	NativeAsset     string `yaml:"native_asset" toml:"native_asset"`
	PostFee         uint64 `yaml:"post_fee" toml:"post_fee"`
	BurnBPS         uint64 `yaml:"burn_bps" toml:"burn_bps"`
	AllowSelfAccept bool   `yaml:"allow_self_accept" toml:"allow_self_accept"`
}

type AssociationConfig struct {
	CompensationAttempts int `yaml:"compensation_attempts" toml:"compensation_attempts"`
	InitialBackoffMS     int `yaml:"initial_backoff_ms" toml:"initial_backoff_ms"`
	MaxBackoffMS         int `yaml:"max_backoff_ms" toml:"max_backoff_ms"`
}

type TransportConfig struct {
	Driver        string `yaml:"driver" toml:"driver"` // loopback | nats
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
	NATSName      string `yaml:"nats_name" toml:"nats_name"`
	NATSToken     string `yaml:"nats_token" toml:"nats_token"`
	NATSStream    string `yaml:"nats_stream" toml:"nats_stream"`
	NATSDurable   string `yaml:"nats_durable" toml:"nats_durable"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" toml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
}

func Default() Config {
	return Config{
		HTTP:        HTTPConfig{Addr: ":3003"},
		Store:       StoreConfig{Driver: "memory", SQLitePath: "settlement.db"},
		Settlement:  SettlementConfig{Asset: "SETTLE", NativeAsset: "ETH", PostFee: settlement.DefaultPostFee, BurnBPS: settlement.DefaultBurnBPS},
		Association: AssociationConfig{CompensationAttempts: 3, InitialBackoffMS: 200, MaxBackoffMS: 2000},
		Transport:   TransportConfig{Driver: "loopback", NATSURL: "nats://127.0.0.1:4222", SubjectPrefix: "settlement"},
		Telemetry:   TelemetryConfig{ServiceName: "settlementd"},
		Chains:      settlement.DefaultChains(),
	}
}

var ErrInvalid = errors.New("invalid config")

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads a YAML or TOML file (by extension) over the defaults. A missing
// file is not an error.
func Load(path string) LoadResult {
	res := LoadResult{Config: Default(), Path: path}
	if path == "" {
		return res
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(b, &parsed)
	default:
		err = yaml.Unmarshal(b, &parsed)
	}
	if err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}
	res.Config = merge(Default(), parsed)
	return res
}

func merge(def Config, cfg Config) Config {
	// HTTP
	if cfg.HTTP.Addr != "" {
		def.HTTP.Addr = cfg.HTTP.Addr
	}
	if cfg.HTTP.APIKey != "" {
		def.HTTP.APIKey = cfg.HTTP.APIKey
	}
	if len(cfg.HTTP.Keys) > 0 {
		def.HTTP.Keys = cfg.HTTP.Keys
	}
	if cfg.HTTP.RelayerSecret != "" {
		def.HTTP.RelayerSecret = cfg.HTTP.RelayerSecret
	}
	if len(cfg.HTTP.CORSOrigins) > 0 {
		def.HTTP.CORSOrigins = cfg.HTTP.CORSOrigins
	}
	// Store
	if cfg.Store.Driver != "" {
		def.Store.Driver = cfg.Store.Driver
	}
	if cfg.Store.PGDSN != "" {
		def.Store.PGDSN = cfg.Store.PGDSN
	}
	if cfg.Store.SQLitePath != "" {
		def.Store.SQLitePath = cfg.Store.SQLitePath
	}
	// Settlement
	if cfg.Settlement.Asset != "" {
		def.Settlement.Asset = cfg.Settlement.Asset
	}
	if cfg.Settlement.NativeAsset != "" {
		def.Settlement.NativeAsset = cfg.Settlement.NativeAsset
	}
	if cfg.Settlement.PostFee != 0 {
		def.Settlement.PostFee = cfg.Settlement.PostFee
	}
	if cfg.Settlement.BurnBPS != 0 {
		def.Settlement.BurnBPS = cfg.Settlement.BurnBPS
	}
	def.Settlement.AllowSelfAccept = cfg.Settlement.AllowSelfAccept
	// Association
	if cfg.Association.CompensationAttempts != 0 {
		def.Association.CompensationAttempts = cfg.Association.CompensationAttempts
	}
	if cfg.Association.InitialBackoffMS != 0 {
		def.Association.InitialBackoffMS = cfg.Association.InitialBackoffMS
	}
	if cfg.Association.MaxBackoffMS != 0 {
		def.Association.MaxBackoffMS = cfg.Association.MaxBackoffMS
	}
	// Transport
	if cfg.Transport.Driver != "" {
		def.Transport.Driver = cfg.Transport.Driver
	}
	if cfg.Transport.NATSURL != "" {
		def.Transport.NATSURL = cfg.Transport.NATSURL
	}
	if cfg.Transport.SubjectPrefix != "" {
		def.Transport.SubjectPrefix = cfg.Transport.SubjectPrefix
	}
	if cfg.Transport.NATSName != "" {
		def.Transport.NATSName = cfg.Transport.NATSName
	}
	if cfg.Transport.NATSToken != "" {
		def.Transport.NATSToken = cfg.Transport.NATSToken
	}
	if cfg.Transport.NATSStream != "" {
		def.Transport.NATSStream = cfg.Transport.NATSStream
	}
	if cfg.Transport.NATSDurable != "" {
		def.Transport.NATSDurable = cfg.Transport.NATSDurable
	}
	// Telemetry
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	// Chains replace the built-in list wholesale.
	if len(cfg.Chains) != 0 {
		def.Chains = cfg.Chains
	}
	return def
}

// LoadEnvFile exports the variables of a dotenv file that are not already set.
// A missing file is ignored.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides cfg with SETTLE_* environment variables.
func ApplyEnv(cfg Config) Config {
	cfg.HTTP.Addr = envDefault("SETTLE_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.APIKey = envDefault("SETTLE_API_KEY", cfg.HTTP.APIKey)
	cfg.HTTP.RelayerSecret = envDefault("SETTLE_RELAYER_SECRET", cfg.HTTP.RelayerSecret)
	if raw := os.Getenv("SETTLE_CORS_ORIGINS"); raw != "" {
		cfg.HTTP.CORSOrigins = strings.Split(raw, ",")
	}
	cfg.Store.Driver = envDefault("SETTLE_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.PGDSN = envDefault("SETTLE_PG_DSN", cfg.Store.PGDSN)
	cfg.Store.SQLitePath = envDefault("SETTLE_SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Settlement.Asset = envDefault("SETTLE_ASSET", cfg.Settlement.Asset)
	cfg.Settlement.NativeAsset = envDefault("SETTLE_NATIVE_ASSET", cfg.Settlement.NativeAsset)
	cfg.Settlement.PostFee = envUint("SETTLE_POST_FEE", cfg.Settlement.PostFee)
	cfg.Settlement.BurnBPS = envUint("SETTLE_BURN_BPS", cfg.Settlement.BurnBPS)
	cfg.Settlement.AllowSelfAccept = envBool("SETTLE_ALLOW_SELF_ACCEPT", cfg.Settlement.AllowSelfAccept)
	cfg.Association.CompensationAttempts = envInt("SETTLE_COMPENSATION_ATTEMPTS", cfg.Association.CompensationAttempts)
	cfg.Association.InitialBackoffMS = envInt("SETTLE_COMPENSATION_INITIAL_MS", cfg.Association.InitialBackoffMS)
	cfg.Association.MaxBackoffMS = envInt("SETTLE_COMPENSATION_MAX_MS", cfg.Association.MaxBackoffMS)
	cfg.Transport.Driver = envDefault("SETTLE_TRANSPORT", cfg.Transport.Driver)
	cfg.Transport.NATSURL = envDefault("SETTLE_NATS_URL", cfg.Transport.NATSURL)
	cfg.Transport.SubjectPrefix = envDefault("SETTLE_NATS_SUBJECT_PREFIX", cfg.Transport.SubjectPrefix)
	cfg.Transport.NATSName = envDefault("SETTLE_NATS_NAME", cfg.Transport.NATSName)
	cfg.Transport.NATSToken = envDefault("SETTLE_NATS_TOKEN", cfg.Transport.NATSToken)
	cfg.Transport.NATSStream = envDefault("SETTLE_NATS_STREAM", cfg.Transport.NATSStream)
	cfg.Transport.NATSDurable = envDefault("SETTLE_NATS_DURABLE", cfg.Transport.NATSDurable)
	cfg.Telemetry.ServiceName = envDefault("SETTLE_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.OTLPEndpoint = envDefault("SETTLE_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	return cfg
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envUint(key string, def uint64) uint64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		log.Printf("config: ignoring %s=%q: %v", key, raw, err)
		return def
	}
	return v
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		log.Printf("config: ignoring %s=%q", key, raw)
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("config: ignoring %s=%q: %v", key, raw, err)
		return def
	}
	return v
}

// Validate reports the first setting the service cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PGDSN == "" {
			return fmt.Errorf("%w: store.pg_dsn required when store.driver=postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	switch c.Transport.Driver {
	case "loopback", "nats":
	default:
		return fmt.Errorf("%w: unknown transport driver %q", ErrInvalid, c.Transport.Driver)
	}
	for i, k := range c.HTTP.Keys {
		if strings.TrimSpace(k.Key) == "" || strings.TrimSpace(k.Account) == "" {
			return fmt.Errorf("%w: http.keys[%d] needs both key and account", ErrInvalid, i)
		}
	}
	if s := c.HTTP.RelayerSecret; s != "" && len(s) < 16 {
		return fmt.Errorf("%w: http.relayer_secret must be at least 16 characters", ErrInvalid)
	}
	if strings.ContainsAny(c.Transport.NATSStream, ". *>") {
		return fmt.Errorf("%w: transport.nats_stream %q may not contain dots, spaces or wildcards", ErrInvalid, c.Transport.NATSStream)
	}
	if c.Settlement.Asset == "" || c.Settlement.NativeAsset == "" {
		return fmt.Errorf("%w: settlement and native assets are required", ErrInvalid)
	}
	if c.Settlement.BurnBPS > 10000 {
		return fmt.Errorf("%w: burn_bps %d exceeds 10000", ErrInvalid, c.Settlement.BurnBPS)
	}
	if c.Association.CompensationAttempts < 1 {
		return fmt.Errorf("%w: compensation_attempts must be at least 1", ErrInvalid)
	}
	seen := map[uint64]bool{}
	for _, ch := range c.Chains {
		if seen[ch.ID] {
			return fmt.Errorf("%w: chain %d listed twice", ErrInvalid, ch.ID)
		}
		seen[ch.ID] = true
		if ch.Kind != settlement.ChainEVM && ch.Kind != settlement.ChainBitcoin {
			return fmt.Errorf("%w: chain %d has unknown kind %q", ErrInvalid, ch.ID, ch.Kind)
		}
	}
	return nil
}

// APIKeys seeds a key store from the operator key and the bound keys.
func (c Config) APIKeys() *auth.APIKeyStore {
	keys := auth.NewAPIKeyStore()
	keys.Seed(c.HTTP.APIKey, "", "config")
	for _, k := range c.HTTP.Keys {
		keys.Seed(k.Key, k.Account, "config")
	}
	return keys
}

func (c Config) TaskConfig() settlement.TaskConfig {
	return settlement.TaskConfig{
		SettlementAsset: c.Settlement.Asset,
		Fees:            settlement.FeeSchedule{PostFee: c.Settlement.PostFee, BurnBPS: c.Settlement.BurnBPS},
		AllowSelfAccept: c.Settlement.AllowSelfAccept,
	}
}

func (c Config) RewardConfig() settlement.RewardConfig {
	return settlement.RewardConfig{NativeAsset: c.Settlement.NativeAsset, Chains: c.Chains}
}

func (c Config) AssociationConfig() association.Config {
	return association.Config{
		CompensationAttempts: c.Association.CompensationAttempts,
		InitialInterval:      time.Duration(c.Association.InitialBackoffMS) * time.Millisecond,
		MaxInterval:          time.Duration(c.Association.MaxBackoffMS) * time.Millisecond,
	}
}

func (c Config) NATSConfig() transport.NATSConfig {
	n := transport.DefaultNATSConfig()
	n.URL = c.Transport.NATSURL
	n.SubjectPrefix = c.Transport.SubjectPrefix
	n.Name = c.Transport.NATSName
	n.Token = c.Transport.NATSToken
	if c.Transport.NATSStream != "" {
		n.Stream = c.Transport.NATSStream
	}
	if c.Transport.NATSDurable != "" {
		n.Durable = c.Transport.NATSDurable
	}
	return n
}
