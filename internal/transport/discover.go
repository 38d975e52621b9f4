// internal/transport/discover.go
package transport

import (
	"fmt"
	"sort"

	"go.bug.st/serial"
)

// ListPorts returns the names of the serial ports present on the system,
// sorted. It helps operators find the gateway when the configured port is
// wrong or the adapter re-enumerated after a replug.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
