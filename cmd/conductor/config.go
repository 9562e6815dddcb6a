package main

import (
	"github.com/spf13/cobra"

	"github.com/oriys/conductor/internal/config"
)

// loadConfig builds a config.Config from the optional --config file,
// environment variables, then the root command's persistent flags, in
// that increasing order of precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	if cmd.Flags().Changed("redis") {
		cfg.Redis.Addr = redisAddr
	}
	if cmd.Flags().Changed("redis-pass") {
		cfg.Redis.Password = redisPass
	}
	if cmd.Flags().Changed("redis-db") {
		cfg.Redis.DB = redisDB
	}
	if cmd.Flags().Changed("pg-dsn") {
		cfg.Postgres.DSN = pgDSN
	}
	return cfg, nil
}
