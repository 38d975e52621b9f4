// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SupportedBaudRates lists the baud rates the Homeduino firmware can be
// built for. The stock firmware ships at 115200.
var SupportedBaudRates = []int{57600, 115200}

const (
	DefaultBaudRate   = 115200
	DefaultReceivePin = 2
	DefaultSendPin    = 4
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Serial  SerialConfig  `mapstructure:"serial"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Polling PollingConfig `mapstructure:"polling"`
	Logging LoggingConfig `mapstructure:"logging"`
	App     AppConfig     `mapstructure:"app"`
}

// ServerConfig represents the HTTP/websocket surface configuration
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// SerialConfig represents the serial link to the gateway
type SerialConfig struct {
	Port     string        `mapstructure:"port" validate:"required"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	StopBits int           `mapstructure:"stop_bits"`
	Parity   string        `mapstructure:"parity"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// GatewayConfig represents driver behaviour towards the Homeduino device
type GatewayConfig struct {
	ReceivePin          int           `mapstructure:"receive_pin"`
	SendPin             int           `mapstructure:"send_pin"`
	RFRepeats           int           `mapstructure:"rf_repeats"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
	BusyTimeout         time.Duration `mapstructure:"busy_timeout"`
	ReadyTimeout        time.Duration `mapstructure:"ready_timeout"`
	RFSendInterval      time.Duration `mapstructure:"rf_send_interval"`
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	AllowedPingFailures int           `mapstructure:"allowed_ping_failures"`
}

// PollingConfig represents the liveness supervisor's input polling
type PollingConfig struct {
	BusySleep       time.Duration `mapstructure:"busy_sleep"`
	IdleSleep       time.Duration `mapstructure:"idle_sleep"`
	DHTReadInterval time.Duration `mapstructure:"dht_read_interval"`
	CancelWait      time.Duration `mapstructure:"cancel_wait"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/homeduino")

	// Environment variable support
	viper.SetEnvPrefix("HOMEDUINO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file if present; environment-only setups are fine
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.enabled", true)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8087")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Serial defaults, 115200 8N1 like the stock firmware. The empty port
	// default registers the key so the environment variable binds.
	viper.SetDefault("serial.port", "")
	viper.SetDefault("serial.baud_rate", DefaultBaudRate)
	viper.SetDefault("serial.data_bits", 8)
	viper.SetDefault("serial.stop_bits", 1)
	viper.SetDefault("serial.parity", "none")
	viper.SetDefault("serial.timeout", "100ms")

	// Gateway defaults
	viper.SetDefault("gateway.receive_pin", DefaultReceivePin)
	viper.SetDefault("gateway.send_pin", DefaultSendPin)
	viper.SetDefault("gateway.rf_repeats", 3)
	viper.SetDefault("gateway.response_timeout", "2s")
	viper.SetDefault("gateway.busy_timeout", "5s")
	viper.SetDefault("gateway.ready_timeout", "5s")
	viper.SetDefault("gateway.rf_send_interval", "500ms")
	viper.SetDefault("gateway.ping_interval", "30s")
	viper.SetDefault("gateway.allowed_ping_failures", 3)

	// Polling defaults
	viper.SetDefault("polling.busy_sleep", "100ms")
	viper.SetDefault("polling.idle_sleep", "1s")
	viper.SetDefault("polling.dht_read_interval", "30s")
	viper.SetDefault("polling.cancel_wait", "5s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// App defaults
	viper.SetDefault("app.name", "homeduino-service")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}

	validBaud := false
	for _, rate := range SupportedBaudRates {
		if config.Serial.BaudRate == rate {
			validBaud = true
			break
		}
	}
	if !validBaud {
		return fmt.Errorf("serial.baud_rate must be one of: %v", SupportedBaudRates)
	}

	if config.Gateway.ResponseTimeout <= 0 {
		return fmt.Errorf("gateway.response_timeout must be positive")
	}
	if config.Gateway.BusyTimeout <= 0 {
		return fmt.Errorf("gateway.busy_timeout must be positive")
	}
	if config.Gateway.ReadyTimeout <= 0 {
		return fmt.Errorf("gateway.ready_timeout must be positive")
	}
	if config.Gateway.RFSendInterval < 0 {
		return fmt.Errorf("gateway.rf_send_interval must not be negative")
	}
	if config.Gateway.PingInterval < 0 {
		return fmt.Errorf("gateway.ping_interval must not be negative")
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// ReceiveInterrupt returns the interrupt number for the configured receive
// pin. On the ATmega boards the Homeduino firmware targets, external
// interrupt N sits on pin N+2.
func (c *GatewayConfig) ReceiveInterrupt() int {
	return c.ReceivePin - 2
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
