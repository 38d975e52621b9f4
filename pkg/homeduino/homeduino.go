// Package homeduino is the public face of the gateway driver. It lets
// programs embed the driver without reaching into the internal packages.
package homeduino

import (
	"go.uber.org/zap"

	"homeduino-service/internal/config"
	"homeduino-service/internal/gateway"
	"homeduino-service/internal/rfcodec"
	"homeduino-service/internal/transport"
)

// Re-exported driver types
type (
	Client  = gateway.Client
	PinMode = gateway.PinMode
	DHTType = gateway.DHTType

	RFReceiveCallback = gateway.RFReceiveCallback
	DigitalCallback   = gateway.DigitalCallback
	AnalogCallback    = gateway.AnalogCallback
	DHTCallback       = gateway.DHTCallback

	Codec = rfcodec.Codec
	Match = rfcodec.Match

	Config = config.Config
)

const (
	PinModeInput       = gateway.PinModeInput
	PinModeOutput      = gateway.PinModeOutput
	PinModeInputPullup = gateway.PinModeInputPullup

	DHT11 = gateway.DHT11
	DHT22 = gateway.DHT22
)

// New creates a gateway client on the serial transport with the bundled
// RF codec
func New(cfg *Config, logger *zap.Logger) *Client {
	return gateway.NewClient(cfg, rfcodec.NewCodec(), logger, nil)
}

// LoadConfig reads the driver configuration from file and environment
func LoadConfig() (*Config, error) {
	return config.Load()
}

// ListPorts returns the serial ports visible on the host
func ListPorts() ([]string, error) {
	return transport.ListPorts()
}
