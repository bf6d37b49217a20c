package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Client    ClientConfig
	Reconnect ReconnectConfig
	Auth      AuthConfig
	Sim       SimConfig
	Metrics   MetricsConfig
	LogLevel  string
}

type ClientConfig struct {
	DeploymentURL    string
	ClientID         string
	OperationTimeout time.Duration
	HandshakeTimeout time.Duration
	HealthCheckQuery string
	SendBufferSize   int
}

type ReconnectConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterFactor   float64
}

type AuthConfig struct {
	RefreshMargin   time.Duration
	RefreshFloor    time.Duration
	FallbackRefresh time.Duration
	FetchTimeout    time.Duration
}

type SimConfig struct {
	Host         string
	Port         int
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/fluxbase")

	// Set defaults
	setDefaults()

	// Environment variable binding
	viper.SetEnvPrefix("FLUXBASE")
	viper.AutomaticEnv()

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Client defaults
	viper.SetDefault("client.deploymenturl", "")
	viper.SetDefault("client.clientid", "go-client")
	viper.SetDefault("client.operationtimeout", 30*time.Second)
	viper.SetDefault("client.handshaketimeout", 10*time.Second)
	viper.SetDefault("client.healthcheckquery", "")
	viper.SetDefault("client.sendbuffersize", 256)

	// Reconnect defaults
	viper.SetDefault("reconnect.initialbackoff", 500*time.Millisecond)
	viper.SetDefault("reconnect.maxbackoff", 30*time.Second)
	viper.SetDefault("reconnect.backofffactor", 2.0)
	viper.SetDefault("reconnect.jitterfactor", 0.1)

	// Auth refresh defaults
	viper.SetDefault("auth.refreshmargin", 2*time.Minute)
	viper.SetDefault("auth.refreshfloor", 10*time.Second)
	viper.SetDefault("auth.fallbackrefresh", 1*time.Hour)
	viper.SetDefault("auth.fetchtimeout", 15*time.Second)

	// Simulator defaults
	viper.SetDefault("sim.host", "0.0.0.0")
	viper.SetDefault("sim.port", 8787)
	viper.SetDefault("sim.jwtsecret", "")
	viper.SetDefault("sim.readtimeout", 30*time.Second)
	viper.SetDefault("sim.writetimeout", 30*time.Second)
	viper.SetDefault("sim.idletimeout", 120*time.Second)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
