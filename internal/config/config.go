package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/statlink/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultSerialPort         = "AUTO"
	defaultBaudRate           = 115200
	defaultVendorID           = "1A86"
	defaultReconnectInterval  = 5000
	defaultStabilizationDelay = 1000
	defaultInterval           = 2
	defaultHistoryDB          = "/var/lib/statlink/history.db"
)

type Config struct {
	SerialPort         string `mapstructure:"serial_port"`
	BaudRate           int    `mapstructure:"baud_rate"`
	AutoDetect         bool   `mapstructure:"auto_detect"`
	VendorID           string `mapstructure:"vendor_id"`
	ProductID          string `mapstructure:"product_id"`
	ReconnectInterval  int    `mapstructure:"reconnect_interval"`
	StabilizationDelay int    `mapstructure:"stabilization_delay"`
	Interval           int    `mapstructure:"interval"`
	History            bool   `mapstructure:"history"`
	HistoryDB          string `mapstructure:"history_db"`
	LogLevel           string `mapstructure:"log_level"`
	Debug              bool   `mapstructure:"debug"`
	Verbose            bool   `mapstructure:"verbose"`
}

// Load reads configuration from /etc/statlink.toml (or the file named by
// STATLINK_CONFIG), environment variables with the STATLINK_ prefix, and
// command line flags, in increasing order of precedence.
func Load() (*Config, error) {
	errFactory := errors.New()
	v := viper.New()

	v.SetDefault("serial_port", defaultSerialPort)
	v.SetDefault("baud_rate", defaultBaudRate)
	v.SetDefault("auto_detect", true)
	v.SetDefault("vendor_id", defaultVendorID)
	v.SetDefault("product_id", "")
	v.SetDefault("reconnect_interval", defaultReconnectInterval)
	v.SetDefault("stabilization_delay", defaultStabilizationDelay)
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("history", false)
	v.SetDefault("history_db", defaultHistoryDB)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)

	fs := pflag.NewFlagSet("statlink", pflag.ContinueOnError)
	fs.String("serial-port", defaultSerialPort, "Serial port name, or AUTO to detect")
	fs.Int("baud-rate", defaultBaudRate, "Serial baud rate")
	fs.Bool("auto-detect", true, "Detect the display device by USB identifiers")
	fs.Int("interval", defaultInterval, "Seconds between telemetry samples")
	fs.Int("reconnect-interval", defaultReconnectInterval, "Milliseconds between connection health checks")
	fs.Bool("history", false, "Archive transmitted samples to a local database")
	fs.String("history-db", defaultHistoryDB, "Path to the history database")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	bindings := map[string]string{
		"serial_port":        "serial-port",
		"baud_rate":          "baud-rate",
		"auto_detect":        "auto-detect",
		"interval":           "interval",
		"reconnect_interval": "reconnect-interval",
		"history":            "history",
		"history_db":         "history-db",
		"log_level":          "log-level",
		"debug":              "debug",
		"verbose":            "verbose",
	}
	for key, flagName := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	if path := os.Getenv("STATLINK_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("statlink")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
	}
	v.SetEnvPrefix("STATLINK")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the loaded values for internal consistency.
func (c *Config) Validate() error {
	errFactory := errors.New()

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warning", "error":
	default:
		return errFactory.New(errors.ErrInvalidLogLevel).WithData(c.LogLevel)
	}

	if c.Interval <= 0 {
		return errFactory.New(errors.ErrInvalidInterval).WithData(c.Interval)
	}
	if c.ReconnectInterval <= 0 {
		return errFactory.New(errors.ErrInvalidInterval).WithData(c.ReconnectInterval)
	}
	if c.BaudRate <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "Invalid baud rate").WithData(c.BaudRate)
	}
	if c.SerialPort == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "Serial port must be a name or AUTO")
	}
	if c.History && c.HistoryDB == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "History database path is empty")
	}

	return nil
}
