package config

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithPortFromEnvironment(t *testing.T) {
	t.Setenv("HOMEDUINO_SERIAL_PORT", "/dev/ttyUSB0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, DefaultBaudRate, cfg.Serial.BaudRate)
	assert.Equal(t, DefaultReceivePin, cfg.Gateway.ReceivePin)
	assert.Equal(t, DefaultSendPin, cfg.Gateway.SendPin)
	assert.Equal(t, 2*time.Second, cfg.Gateway.ResponseTimeout)
	assert.Equal(t, 5*time.Second, cfg.Gateway.BusyTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Gateway.RFSendInterval)
	assert.Equal(t, 30*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, 3, cfg.Gateway.AllowedPingFailures)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "0.0.0.0:8087", cfg.GetServerAddr())
}

func TestLoad_MissingSerialPort(t *testing.T) {
	t.Setenv("HOMEDUINO_SERIAL_PORT", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serial.port")
}

func TestLoad_InvalidBaudRate(t *testing.T) {
	t.Setenv("HOMEDUINO_SERIAL_PORT", "/dev/ttyUSB0")
	t.Setenv("HOMEDUINO_SERIAL_BAUD_RATE", "9600")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baud_rate")
}

func TestLoad_SupportedBaudRates(t *testing.T) {
	for _, rate := range SupportedBaudRates {
		t.Setenv("HOMEDUINO_SERIAL_PORT", "/dev/ttyUSB0")
		t.Setenv("HOMEDUINO_SERIAL_BAUD_RATE", strconv.Itoa(rate))

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, rate, cfg.Serial.BaudRate)
	}
}

func TestLoad_ZeroBusyTimeout(t *testing.T) {
	t.Setenv("HOMEDUINO_SERIAL_PORT", "/dev/ttyUSB0")
	t.Setenv("HOMEDUINO_GATEWAY_BUSY_TIMEOUT", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy_timeout")
}

func TestLoad_NegativeRFSendInterval(t *testing.T) {
	t.Setenv("HOMEDUINO_SERIAL_PORT", "/dev/ttyUSB0")
	t.Setenv("HOMEDUINO_GATEWAY_RF_SEND_INTERVAL", "-1s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rf_send_interval")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("HOMEDUINO_SERIAL_PORT", "/dev/ttyUSB0")
	t.Setenv("HOMEDUINO_LOGGING_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestReceiveInterrupt(t *testing.T) {
	gateway := GatewayConfig{ReceivePin: 2}
	assert.Equal(t, 0, gateway.ReceiveInterrupt())

	gateway.ReceivePin = 3
	assert.Equal(t, 1, gateway.ReceiveInterrupt())
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{App: AppConfig{Environment: "development"}}
	assert.True(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsDebugEnabled())

	cfg.App.Environment = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsDebugEnabled())

	cfg.App.Debug = true
	assert.True(t, cfg.IsDebugEnabled())
}
