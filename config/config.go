package config

import (
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

type Path string

func (p Path) Join(elem ...string) Path {
	parts := append([]string{string(p)}, elem...)
	return Path(filepath.Join(parts...))
}

func (p Path) ToString() string {
	return string(p)
}

func Load(path Path, cfg any) error {
	err := cleanenv.ReadConfig(path.ToString(), cfg)
	return err
}

// TollboothConfig is the configuration surface for the micropayment
// gating core: BTCPay connection, tier definitions, royalty side-payout,
// and the Authority trust anchor. Every field can be set from a
// TOLLBOOTH_* environment variable.
type TollboothConfig struct {
	BTCPayHost       string `toml:"btcpay_host" env:"TOLLBOOTH_BTCPAY_HOST"`
	BTCPayStoreID    string `toml:"btcpay_store_id" env:"TOLLBOOTH_BTCPAY_STORE_ID"`
	BTCPayAPIKey     string `toml:"btcpay_api_key" env:"TOLLBOOTH_BTCPAY_API_KEY"`
	BTCPayTierConfig string `toml:"btcpay_tier_config" env:"TOLLBOOTH_BTCPAY_TIER_CONFIG" env-default:"{}"`
	BTCPayUserTiers  string `toml:"btcpay_user_tiers" env:"TOLLBOOTH_BTCPAY_USER_TIERS" env-default:"{}"`

	SeedBalanceSats int `toml:"seed_balance_sats" env:"TOLLBOOTH_SEED_BALANCE_SATS" env-default:"0"`

	RoyaltyAddress string  `toml:"tollbooth_royalty_address" env:"TOLLBOOTH_ROYALTY_ADDRESS"`
	RoyaltyPercent float64 `toml:"tollbooth_royalty_percent" env:"TOLLBOOTH_ROYALTY_PERCENT" env-default:"0.02"`
	RoyaltyMinSats int64   `toml:"tollbooth_royalty_min_sats" env:"TOLLBOOTH_ROYALTY_MIN_SATS" env-default:"10"`

	AuthorityPublicKey string `toml:"authority_public_key" env:"TOLLBOOTH_AUTHORITY_PUBLIC_KEY"`
	AuthorityURL       string `toml:"authority_url" env:"TOLLBOOTH_AUTHORITY_URL"`

	Store struct {
		Host            string `toml:"host" env:"TOLLBOOTH_DB_HOST"`
		Port            string `toml:"port" env:"TOLLBOOTH_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"TOLLBOOTH_DB_USER"`
		Password        string `toml:"password" env:"TOLLBOOTH_DB_PASSWORD"`
		DB              string `toml:"db" env:"TOLLBOOTH_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"TOLLBOOTH_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"TOLLBOOTH_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"TOLLBOOTH_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"TOLLBOOTH_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"TOLLBOOTH_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`
}
