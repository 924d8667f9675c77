package main

import (
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bidmoto/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("server-id", hostnameOrRandom(), "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "bidmoto:", "")
	pflag.String("redis-consumer-group", "bidmoto", "")
	pflag.Duration("redis-lock-expiry", 8*time.Second, "")

	// redis stream keys
	pflag.String("redis-stream-key-for-events", "bidmoto-shared-event-stream", "")
	pflag.String("redis-stream-key-for-notifications", "bidmoto-shared-notification-stream", "")

	// auth config
	pflag.String("auth-private-key", "", "base64 encoded ed25519 seed")
	pflag.String("auth-issuer", "bidmoto", "")
	pflag.String("auth-audience", "bidmoto", "")
	pflag.Duration("auth-expire-duration", 3*time.Hour, "")

	// engine config
	pflag.Int("engine-queue-depth", 64, "")
	pflag.Duration("engine-reopen-window", 24*time.Hour, "")
	pflag.Duration("engine-sweep-interval", 5*time.Second, "")
	pflag.Bool("engine-distributed-lock", false, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("BIDMOTO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("server-id"),
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				LockExpiry:    viper.GetDuration("redis-lock-expiry"),
				StreamKeys: api.RedisStreamKeys{
					Events:        viper.GetString("redis-stream-key-for-events"),
					Notifications: viper.GetString("redis-stream-key-for-notifications"),
				},
			},
			Auth: api.AuthConfig{
				PrivateKey:     parsePrivateKey(viper.GetString("auth-private-key")),
				Issuer:         viper.GetString("auth-issuer"),
				Audience:       viper.GetString("auth-audience"),
				ExpireDuration: viper.GetDuration("auth-expire-duration"),
			},
			Engine: api.EngineConfig{
				QueueDepth:      viper.GetInt("engine-queue-depth"),
				ReopenWindow:    viper.GetDuration("engine-reopen-window"),
				SweepInterval:   viper.GetDuration("engine-sweep-interval"),
				DistributedLock: viper.GetBool("engine-distributed-lock"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.DB.Host != "" &&
		args.ServerConfig.Redis.Addr != "" &&
		args.ServerConfig.Auth.PrivateKey != nil
}

func parsePrivateKey(encoded string) crypto.Signer {
	if encoded == "" {
		return nil
	}
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil
	}
	return ed25519.NewKeyFromSeed(seed)
}

func hostnameOrRandom() string {
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "bidmoto-" + strings.ReplaceAll(time.Now().Format("150405.000"), ".", "")
}
