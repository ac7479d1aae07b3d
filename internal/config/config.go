package config

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	DiscordToken   string `mapstructure:"discord_token"`
	DiscordGuildID int64  `mapstructure:"discord_guild_id"`
	ManagerID      int64  `mapstructure:"manager_id"`

	PostgresDSN string `mapstructure:"postgres_dsn"`

	BotHandleTimeout time.Duration `mapstructure:"bot_handle_timeout"`
	TeardownDelay    time.Duration `mapstructure:"teardown_delay"`

	MaxSlotsCap       int           `mapstructure:"max_slots_cap"`
	ReviewMinPresence time.Duration `mapstructure:"review_min_presence"`

	TierSyncBaseURL  string        `mapstructure:"tier_sync_base_url"`
	TierSyncToken    string        `mapstructure:"tier_sync_token"`
	TierSyncInterval time.Duration `mapstructure:"tier_sync_interval"`

	APIListenAddr string `mapstructure:"api_listen_addr"`
	ReportDir     string `mapstructure:"report_dir"`
}

func New() *Config {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		logrus.Fatalf("unmarshalling config: %v", err)
	}
	return cfg
}

func SetupCommon() {
	viper.SetDefault("bot_handle_timeout", "10s")
	viper.SetDefault("teardown_delay", "10m")
	viper.SetDefault("max_slots_cap", 8)
	viper.SetDefault("review_min_presence", "5m")
	viper.SetDefault("tier_sync_interval", "1h")
	viper.SetDefault("api_listen_addr", ":8080")
	viper.SetDefault("report_dir", ".")
	viper.SetEnvPrefix("BOOSTY")

	viper.MustBindEnv("discord_token")
	viper.MustBindEnv("discord_guild_id")
	viper.MustBindEnv("postgres_dsn")
	viper.AutomaticEnv()
}
