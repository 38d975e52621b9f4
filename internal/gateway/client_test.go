package gateway

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"homeduino-service/internal/config"
	"homeduino-service/internal/protocol"
	"homeduino-service/internal/rfcodec"
	"homeduino-service/internal/transport"
)

// fakeDevice scripts the firmware side of the serial link: writes are
// recorded as commands and answered by the respond function.
type fakeDevice struct {
	mu       sync.Mutex
	commands []string
	respond  func(command string) []string

	emitReady bool

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeDevice(emitReady bool) *fakeDevice {
	d := &fakeDevice{
		emitReady: emitReady,
		incoming:  make(chan []byte, 64),
		closed:    make(chan struct{}),
		respond:   firmwareRespond,
	}
	return d
}

// firmwareRespond mimics the stock firmware's happy-path answers
func firmwareRespond(command string) []string {
	switch {
	case strings.HasPrefix(command, "PING "):
		return []string{command}
	case strings.HasPrefix(command, "RF receive "),
		strings.HasPrefix(command, "RF send "),
		strings.HasPrefix(command, "PM "),
		strings.HasPrefix(command, "DW "):
		return []string{"ACK"}
	case strings.HasPrefix(command, "DR "):
		return []string{"ACK 0"}
	case strings.HasPrefix(command, "AR "):
		return []string{"ACK 512"}
	case strings.HasPrefix(command, "DHT "):
		return []string{"ACK 22.5 45.0"}
	default:
		return []string{"ERR unknown_command"}
	}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case data := <-d.incoming:
		return copy(p, data), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	command := strings.TrimSuffix(string(p), "\n")
	d.mu.Lock()
	d.commands = append(d.commands, command)
	respond := d.respond
	d.mu.Unlock()

	if respond != nil {
		for _, line := range respond(command) {
			d.emit(line)
		}
	}
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

// emit delivers one line from the device to the driver
func (d *fakeDevice) emit(line string) {
	select {
	case d.incoming <- []byte(line + "\r\n"):
	case <-d.closed:
	}
}

// fail simulates the device dropping off the bus
func (d *fakeDevice) fail() {
	d.Close()
}

func (d *fakeDevice) setRespond(respond func(command string) []string) {
	d.mu.Lock()
	d.respond = respond
	d.mu.Unlock()
}

func (d *fakeDevice) sentCommands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	commands := make([]string, len(d.commands))
	copy(commands, d.commands)
	return commands
}

// deviceFactory hands out fake devices to the client's transport factory
// and keeps every opened device for inspection
type deviceFactory struct {
	mu        sync.Mutex
	emitReady bool
	mute      bool
	openErr   error
	devices   []*fakeDevice
}

func (f *deviceFactory) open(ctx context.Context, cfg *config.SerialConfig, logger *zap.Logger) (transport.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}

	device := newFakeDevice(f.emitReady)
	if f.mute {
		device.setRespond(nil)
	}
	f.devices = append(f.devices, device)
	if f.emitReady {
		device.emit("ready")
	}
	return device, nil
}

func (f *deviceFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

func (f *deviceFactory) latest() *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.devices) == 0 {
		return nil
	}
	return f.devices[len(f.devices)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		Serial: config.SerialConfig{
			Port:     "/dev/ttyTEST",
			BaudRate: 115200,
		},
		Gateway: config.GatewayConfig{
			ReceivePin:          2,
			SendPin:             4,
			RFRepeats:           3,
			ResponseTimeout:     200 * time.Millisecond,
			BusyTimeout:         200 * time.Millisecond,
			ReadyTimeout:        150 * time.Millisecond,
			RFSendInterval:      100 * time.Millisecond,
			AllowedPingFailures: 3,
		},
		Polling: config.PollingConfig{
			BusySleep:  10 * time.Millisecond,
			IdleSleep:  20 * time.Millisecond,
			CancelWait: time.Second,
		},
	}
}

func newTestClient(t *testing.T, cfg *config.Config, factory *deviceFactory) *Client {
	t.Helper()
	client := NewClient(cfg, rfcodec.NewCodec(), zap.NewNop(), factory.open)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		client.Disconnect(ctx)
	})
	return client
}

func TestClient_ConnectWithReadySignal(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, connected)
	assert.True(t, client.Connected())
	assert.True(t, client.Ready())

	// Receive pin 2 arms external interrupt 0
	assert.Contains(t, factory.latest().sentCommands(), "RF receive 0")
}

func TestClient_ConnectFallsBackToPingProbe(t *testing.T) {
	// The device was already running, so its one-shot "ready" line is
	// long gone; the probe must prove it alive instead.
	factory := &deviceFactory{emitReady: false}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, connected)
	assert.True(t, client.Ready())
}

func TestClient_ConnectUnresponsiveDevice(t *testing.T) {
	factory := &deviceFactory{mute: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	assert.ErrorIs(t, err, protocol.ErrResponseTimeout)
	assert.False(t, connected)
	assert.False(t, client.Connected())
}

func TestClient_ConnectOpenFailureIsNotFatal(t *testing.T) {
	factory := &deviceFactory{openErr: fmt.Errorf("no such device")}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	assert.NoError(t, err)
	assert.False(t, connected)
	assert.False(t, client.Connected())
}

func TestClient_ConnectTwiceIsNoop(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	connected, err = client.Connect(context.Background())
	assert.NoError(t, err)
	assert.False(t, connected)
	assert.Equal(t, 1, factory.opened())
}

func TestClient_DisconnectAndLifecycleEvents(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	var mu sync.Mutex
	var events []string
	client.SetEventSink(func(eventType string, data map[string]any) {
		mu.Lock()
		events = append(events, eventType)
		mu.Unlock()
	})

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	require.NoError(t, client.Disconnect(context.Background()))
	assert.False(t, client.Connected())
	assert.False(t, client.Ready())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventConnected, EventDisconnected}, events)
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	_, err := client.Send(context.Background(), "PING x")
	assert.ErrorIs(t, err, protocol.ErrDisconnected)
}

func TestClient_PingEchoMismatch(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	require.NoError(t, client.Ping(context.Background()))

	factory.latest().setRespond(func(command string) []string {
		if strings.HasPrefix(command, "PING ") {
			return []string{"PING somebody-else"}
		}
		return firmwareRespond(command)
	})
	assert.Error(t, client.Ping(context.Background()))
}

func TestClient_RFSendCommandFormat(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	err = client.RFSend(context.Background(), "switch2", map[string]any{
		"houseCode": 21, "unitCode": 9, "state": true,
	})
	require.NoError(t, err)

	commands := factory.latest().sentCommands()
	last := commands[len(commands)-1]
	// switch2 has three pulse lengths; the table is padded to eight fields
	assert.True(t, strings.HasPrefix(last, "RF send 4 3 306 957 9808 0 0 0 0 0 "), last)

	sequence := last[strings.LastIndex(last, " ")+1:]
	matches := client.Codec().Decode([]int{306, 957, 9808, 0, 0, 0, 0, 0}, sequence)
	require.Len(t, matches, 1)
	assert.Equal(t, map[string]any{"houseCode": 21, "unitCode": 9, "state": true}, matches[0].Values)
}

func TestClient_RFSendPacing(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	values := map[string]any{"houseCode": 1, "unitCode": 1, "state": false}

	start := time.Now()
	require.NoError(t, client.RFSend(context.Background(), "switch2", values))
	require.NoError(t, client.RFSend(context.Background(), "switch2", values))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, client.config.Gateway.RFSendInterval,
		"second transmission must wait out the pacing interval")
}

func TestClient_RFSendUnknownProtocol(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	err = client.RFSend(context.Background(), "switch99", map[string]any{})
	assert.Error(t, err)
}

func TestClient_DigitalAnalogAndDHTReads(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	value, err := client.DigitalRead(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, value)

	reading, err := client.AnalogRead(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 512, reading)

	temperature, humidity, err := client.ReadDHT(context.Background(), DHT22, 6)
	require.NoError(t, err)
	assert.Equal(t, 22.5, temperature)
	assert.Equal(t, 45.0, humidity)

	_, _, err = client.ReadDHT(context.Background(), DHTType(15), 6)
	assert.Error(t, err)
}

func TestClient_DeviceErrorResponse(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	factory.latest().setRespond(func(command string) []string {
		if strings.HasPrefix(command, "DR ") {
			return []string{"ERR invalid pin"}
		}
		return firmwareRespond(command)
	})

	_, err = client.DigitalRead(context.Background(), 99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pin")
}

func TestParseAck(t *testing.T) {
	args, err := parseAck("ACK")
	require.NoError(t, err)
	assert.Equal(t, "", args)

	args, err = parseAck("ACK 1")
	require.NoError(t, err)
	assert.Equal(t, "1", args)

	args, err = parseAck("ACK 22.5 45.0")
	require.NoError(t, err)
	assert.Equal(t, "22.5 45.0", args)

	_, err = parseAck("ERR unknown_command")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_command")

	_, err = parseAck("whatever")
	assert.Error(t, err)
}

func TestClient_DeferredPinModeReplayedOnConnect(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	// Registering while disconnected defers the PM command
	err := client.AddDigitalCallback(context.Background(), 5, true, func(pin int, value bool) {})
	require.NoError(t, err)
	assert.Equal(t, 0, factory.opened())

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	assert.Contains(t, factory.latest().sentCommands(), "PM 5 2")
}

func TestClient_AddDigitalCallbackWhileConnected(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	err = client.AddDigitalCallback(context.Background(), 7, false, func(pin int, value bool) {})
	require.NoError(t, err)
	assert.Contains(t, factory.latest().sentCommands(), "PM 7 0")
}

func TestClient_RFReceiveDispatch(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	matches := make(chan rfcodec.Match, 1)
	client.AddRFReceiveCallback("switch1", func(match rfcodec.Match) {
		matches <- match
	})

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	values := map[string]any{"id": 12345678, "all": false, "state": true, "unit": 5}
	sequence, err := client.Codec().Encode("switch1", values)
	require.NoError(t, err)

	factory.latest().emit("RF receive 268 1282 2632 10168 0 0 0 0 " + sequence)

	select {
	case match := <-matches:
		assert.Equal(t, "switch1", match.Protocol)
		assert.Equal(t, values, match.Values)
	case <-time.After(time.Second):
		t.Fatal("RF receive callback was not invoked")
	}
}

func TestClient_RFReceiveOtherProtocolCallbackUntouched(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	switch1Matches := make(chan rfcodec.Match, 1)
	client.AddRFReceiveCallback("switch1", func(match rfcodec.Match) {
		switch1Matches <- match
	})
	pir1Matches := make(chan rfcodec.Match, 1)
	client.AddRFReceiveCallback("pir1", func(match rfcodec.Match) {
		pir1Matches <- match
	})

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	sequence, err := client.Codec().Encode("switch1", map[string]any{
		"id": 12345678, "all": false, "state": true, "unit": 5,
	})
	require.NoError(t, err)

	factory.latest().emit("RF receive 268 1282 2632 10168 0 0 0 0 " + sequence)

	select {
	case match := <-switch1Matches:
		assert.Equal(t, "switch1", match.Protocol)
	case <-time.After(time.Second):
		t.Fatal("RF receive callback was not invoked")
	}

	select {
	case match := <-pir1Matches:
		t.Fatalf("callback for a different protocol was invoked: %v", match)
	default:
	}
}

func TestClient_DisconnectWaitsForSupervisorExit(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.PingInterval = time.Hour
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, cfg, factory)

	err := client.AddDigitalCallback(context.Background(), 5, false, func(pin int, value bool) {})
	require.NoError(t, err)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	// Stall the supervisor mid-iteration inside a digital read
	reading := make(chan struct{}, 1)
	release := make(chan struct{})
	factory.latest().setRespond(func(command string) []string {
		if strings.HasPrefix(command, "DR ") {
			select {
			case reading <- struct{}{}:
			default:
			}
			<-release
			return []string{"ACK 0"}
		}
		return firmwareRespond(command)
	})

	select {
	case <-reading:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never started polling")
	}

	sup := client.supervisor
	require.NotNil(t, sup)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, client.Disconnect(context.Background()))

	select {
	case <-sup.done:
	default:
		t.Fatal("Disconnect returned before the supervisor loop exited")
	}
}

func TestClient_SupervisorReconnectsLostDevice(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.PingInterval = time.Hour
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, cfg, factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)
	require.Equal(t, 1, factory.opened())

	factory.latest().fail()

	assert.Eventually(t, func() bool {
		return client.Connected() && factory.opened() >= 2
	}, 3*time.Second, 10*time.Millisecond, "supervisor should reconnect the lost device")
}

func TestClient_SupervisorPollsDigitalChanges(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.PingInterval = time.Hour
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, cfg, factory)

	values := make(chan bool, 8)
	err := client.AddDigitalCallback(context.Background(), 5, false, func(pin int, value bool) {
		values <- value
	})
	require.NoError(t, err)

	var mu sync.Mutex
	level := "0"
	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	factory.latest().setRespond(func(command string) []string {
		if strings.HasPrefix(command, "DR ") {
			mu.Lock()
			defer mu.Unlock()
			return []string{"ACK " + level}
		}
		return firmwareRespond(command)
	})

	// First poll reports the initial level
	select {
	case value := <-values:
		assert.False(t, value)
	case <-time.After(2 * time.Second):
		t.Fatal("initial digital level was not dispatched")
	}

	// The level flips; the next poll dispatches exactly the change
	mu.Lock()
	level = "1"
	mu.Unlock()

	select {
	case value := <-values:
		assert.True(t, value)
	case <-time.After(2 * time.Second):
		t.Fatal("digital level change was not dispatched")
	}
}

func TestClient_ReconnectReplacesConnection(t *testing.T) {
	factory := &deviceFactory{emitReady: true}
	client := newTestClient(t, testConfig(), factory)

	connected, err := client.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	connected, err = client.Reconnect(context.Background())
	require.NoError(t, err)
	assert.True(t, connected)
	assert.Equal(t, 2, factory.opened())
	assert.True(t, client.Ready())
}
