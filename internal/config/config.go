// Package config provides a reusable loader for the custody service's
// configuration files and environment variables, built on the same
// viper.SetConfigName/AddConfigPath/Unmarshal pattern this codebase has
// historically used for node configuration, generalized to the sections
// this service needs, with environment variables bound explicitly through
// viper.BindEnv.
//
// Version: v0.1.0
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/medvault/custody/pkg/utils"
)

const Version = "v0.1.0"

// Config is the unified configuration for a custody node. Field names
// mirror the service's documented environment variables.
type Config struct {
	Ledger struct {
		ChannelName          string        `mapstructure:"channel_name" json:"channel_name"`
		ChaincodeName        string        `mapstructure:"chaincode_name" json:"chaincode_name"`
		ConnectionProfilePath string       `mapstructure:"connection_profile_path" json:"connection_profile_path"`
		WalletPath           string        `mapstructure:"wallet_path" json:"wallet_path"`
		WALPath              string        `mapstructure:"wal_path" json:"wal_path"`
		UserID               string        `mapstructure:"user_id" json:"user_id"`
		MSPID                string        `mapstructure:"msp_id" json:"msp_id"`
		NetworkTimeout       time.Duration `mapstructure:"network_timeout" json:"network_timeout"`
		MaxRetries           int           `mapstructure:"max_retries" json:"max_retries"`
		CacheTTL             time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	} `mapstructure:"ledger" json:"ledger"`

	ObjectStore struct {
		URL                string        `mapstructure:"url" json:"url"`
		Nodes              []string      `mapstructure:"nodes" json:"nodes"`
		UploadConcurrency  int           `mapstructure:"upload_concurrency" json:"upload_concurrency"`
		DownloadConcurrency int          `mapstructure:"download_concurrency" json:"download_concurrency"`
		ReplicationMin     int           `mapstructure:"repl_min" json:"repl_min"`
		ReplicationMax     int           `mapstructure:"repl_max" json:"repl_max"`
		ChunkTimeout       time.Duration `mapstructure:"chunk_timeout" json:"chunk_timeout"`
		MaxRetries         int           `mapstructure:"max_retries" json:"max_retries"`
		CacheDir           string        `mapstructure:"cache_dir" json:"cache_dir"`
	} `mapstructure:"objectstore" json:"objectstore"`

	KeyCustody struct {
		MasterKey            string `mapstructure:"master_key" json:"master_key"`
		KeyStorePath         string `mapstructure:"key_store_path" json:"key_store_path"`
		RotationIntervalDays int    `mapstructure:"rotation_interval_days" json:"rotation_interval_days"`
		MaxKeyAgeDays        int    `mapstructure:"max_key_age_days" json:"max_key_age_days"`
	} `mapstructure:"keycustody" json:"keycustody"`

	MetadataStore struct {
		Host          string        `mapstructure:"db_host" json:"db_host"`
		Port          int           `mapstructure:"db_port" json:"db_port"`
		User          string        `mapstructure:"db_user" json:"db_user"`
		Password      string        `mapstructure:"db_password" json:"db_password"`
		Name          string        `mapstructure:"db_name" json:"db_name"`
		PoolSize      int           `mapstructure:"db_pool_size" json:"db_pool_size"`
		ReadReplicas  []string      `mapstructure:"db_read_replicas" json:"db_read_replicas"`
		SlowQueryMS   time.Duration `mapstructure:"db_slow_query_ms" json:"db_slow_query_ms"`
		QueryTimeout  time.Duration `mapstructure:"query_timeout" json:"query_timeout"`
	} `mapstructure:"metadatastore" json:"metadatastore"`

	LightMode bool `mapstructure:"light_mode" json:"light_mode"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads default.yaml from ./config or the working directory and, when
// env is non-empty, merges <env>.yaml over it; the environment variables
// bound in init override both. The resulting configuration is stored in
// AppConfig and returned.
func Load(env string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, utils.Wrap(err, "load .env")
	}

	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrapf(err, "merge %s config", env)
			}
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CUSTODY_ENV environment
// variable, falling back to the "default" profile alone.
func LoadFromEnv() (*Config, error) {
	return Load(envString("CUSTODY_ENV", ""))
}

func setDefaults() {
	viper.SetDefault("ledger.network_timeout", 30*time.Second)
	viper.SetDefault("ledger.max_retries", 6)
	viper.SetDefault("ledger.cache_ttl", time.Second)
	viper.SetDefault("ledger.wal_path", "custody.wal")
	viper.SetDefault("objectstore.upload_concurrency", 4)
	viper.SetDefault("objectstore.download_concurrency", 6)
	viper.SetDefault("objectstore.repl_min", 3)
	viper.SetDefault("objectstore.repl_max", 3)
	viper.SetDefault("objectstore.chunk_timeout", 30*time.Second)
	viper.SetDefault("objectstore.max_retries", 3)
	viper.SetDefault("metadatastore.db_pool_size", 10)
	viper.SetDefault("metadatastore.db_slow_query_ms", 200*time.Millisecond)
	viper.SetDefault("metadatastore.query_timeout", 10*time.Second)
	viper.SetDefault("keycustody.rotation_interval_days", 90)
	viper.SetDefault("keycustody.max_key_age_days", 365)
}

// init binds the documented environment variable names onto their dotted
// mapstructure keys explicitly, rather than relying on viper.AutomaticEnv's
// prefix mangling (the source variables — DB_HOST, MASTER_KEY, etc. —
// don't share a common prefix with their section).
func init() {
	_ = viper.BindEnv("ledger.channel_name", "CHANNEL_NAME")
	_ = viper.BindEnv("ledger.chaincode_name", "CHAINCODE_NAME")
	_ = viper.BindEnv("ledger.connection_profile_path", "CONNECTION_PROFILE_PATH")
	_ = viper.BindEnv("ledger.wallet_path", "WALLET_PATH")
	_ = viper.BindEnv("ledger.wal_path", "WAL_PATH")
	_ = viper.BindEnv("ledger.user_id", "USER_ID")
	_ = viper.BindEnv("ledger.msp_id", "MSP_ID")
	_ = viper.BindEnv("ledger.network_timeout", "LEDGER_NETWORK_TIMEOUT")
	_ = viper.BindEnv("objectstore.url", "OBJECT_STORE_URL")
	_ = viper.BindEnv("objectstore.nodes", "OBJECT_STORE_NODES")
	_ = viper.BindEnv("objectstore.upload_concurrency", "UPLOAD_CONCURRENCY")
	_ = viper.BindEnv("objectstore.download_concurrency", "DOWNLOAD_CONCURRENCY")
	_ = viper.BindEnv("objectstore.repl_min", "CLUSTER_REPL_MIN")
	_ = viper.BindEnv("objectstore.repl_max", "CLUSTER_REPL_MAX")
	_ = viper.BindEnv("keycustody.master_key", "MASTER_KEY")
	_ = viper.BindEnv("keycustody.key_store_path", "KEY_STORE_PATH")
	_ = viper.BindEnv("keycustody.rotation_interval_days", "KEY_ROTATION_INTERVAL_DAYS")
	_ = viper.BindEnv("keycustody.max_key_age_days", "MAX_KEY_AGE_DAYS")
	_ = viper.BindEnv("metadatastore.db_host", "DB_HOST")
	_ = viper.BindEnv("metadatastore.db_port", "DB_PORT")
	_ = viper.BindEnv("metadatastore.db_user", "DB_USER")
	_ = viper.BindEnv("metadatastore.db_password", "DB_PASSWORD")
	_ = viper.BindEnv("metadatastore.db_name", "DB_NAME")
	_ = viper.BindEnv("metadatastore.db_pool_size", "DB_POOL_SIZE")
	_ = viper.BindEnv("metadatastore.db_read_replicas", "DB_READ_REPLICAS")
	_ = viper.BindEnv("metadatastore.db_slow_query_ms", "DB_SLOW_QUERY_MS")
	_ = viper.BindEnv("light_mode", "LIGHT_MODE")
}
