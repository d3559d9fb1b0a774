package gate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.bug.st/serial"
)

var ErrNotConnected = errors.New("transport not connected")

// Transport is one link to the gate controller.
type Transport interface {
	Name() string
	// Connect establishes the link. It must honour ctx for its whole duration.
	Connect(ctx context.Context) error
	Connected() bool
	Send(ctx context.Context, payload []byte) error
	// OnReport registers the handler for device→host messages.
	OnReport(fn func(payload []byte))
	Close() error
}

// --- MQTT ---

type MQTTConfig struct {
	Broker       string // tcp://host:1883
	ClientID     string
	CommandTopic string
	StatusTopic  string
	Username     string
	Password     string
}

// MQTTTransport publishes commands over an MQTT broker and subscribes to the
// device status topic.
type MQTTTransport struct {
	cfg    MQTTConfig
	logger *slog.Logger

	mu       sync.Mutex
	client   mqtt.Client
	onReport func([]byte)
}

func NewMQTTTransport(cfg MQTTConfig, logger *slog.Logger) *MQTTTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTTransport{cfg: cfg, logger: logger}
}

func (m *MQTTTransport) Name() string { return "mqtt" }

func (m *MQTTTransport) OnReport(fn func([]byte)) {
	m.mu.Lock()
	m.onReport = fn
	m.mu.Unlock()
}

func (m *MQTTTransport) Connect(ctx context.Context) error {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetUsername(m.cfg.Username).
		SetPassword(m.cfg.Password).
		SetConnectTimeout(timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("mqtt connection lost", "broker", m.cfg.Broker, "error", err)
		})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.cfg.Broker, err)
	}
	if err := wait(ctx, client.Subscribe(m.cfg.StatusTopic, 1, m.handle)); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt subscribe %s: %w", m.cfg.StatusTopic, err)
	}

	m.mu.Lock()
	old := m.client
	m.client = client
	m.mu.Unlock()
	if old != nil {
		old.Disconnect(0)
	}
	return nil
}

func (m *MQTTTransport) handle(_ mqtt.Client, msg mqtt.Message) {
	m.mu.Lock()
	fn := m.onReport
	m.mu.Unlock()
	if fn != nil {
		fn(msg.Payload())
	}
}

func (m *MQTTTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil && m.client.IsConnectionOpen()
}

func (m *MQTTTransport) Send(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return wait(ctx, client.Publish(m.cfg.CommandTopic, 1, false, payload))
}

func (m *MQTTTransport) Close() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Serial ---

type SerialConfig struct {
	Port string
	Baud int
}

// PortOpener opens the raw serial device. Tests substitute an in-memory pipe.
type PortOpener func(port string, baud int) (io.ReadWriteCloser, error)

func openSerialPort(port string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(port, &serial.Mode{BaudRate: baud})
}

// SerialTransport writes newline-terminated commands to a USB serial port and
// reads newline-terminated reports back.
type SerialTransport struct {
	cfg    SerialConfig
	open   PortOpener
	logger *slog.Logger

	mu        sync.Mutex
	port      io.ReadWriteCloser
	onReport  func([]byte)
	connected atomic.Bool
}

func NewSerialTransport(cfg SerialConfig, logger *slog.Logger) *SerialTransport {
	return NewSerialTransportWithOpener(cfg, openSerialPort, logger)
}

func NewSerialTransportWithOpener(cfg SerialConfig, open PortOpener, logger *slog.Logger) *SerialTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialTransport{cfg: cfg, open: open, logger: logger}
}

func (s *SerialTransport) Name() string { return "serial" }

func (s *SerialTransport) OnReport(fn func([]byte)) {
	s.mu.Lock()
	s.onReport = fn
	s.mu.Unlock()
}

func (s *SerialTransport) Connect(ctx context.Context) error {
	type result struct {
		port io.ReadWriteCloser
		err  error
	}
	// serial.Open has no context; bound it from the outside.
	ch := make(chan result, 1)
	go func() {
		p, err := s.open(s.cfg.Port, s.cfg.Baud)
		ch <- result{p, err}
	}()

	var port io.ReadWriteCloser
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("open serial %s: %w", s.cfg.Port, r.err)
		}
		port = r.port
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.port != nil {
				r.port.Close()
			}
		}()
		return fmt.Errorf("open serial %s: %w", s.cfg.Port, ctx.Err())
	}

	s.mu.Lock()
	if s.port != nil {
		s.port.Close()
	}
	s.port = port
	s.mu.Unlock()
	s.connected.Store(true)

	go s.read(port)
	return nil
}

func (s *SerialTransport) read(port io.ReadWriteCloser) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.mu.Lock()
		fn := s.onReport
		s.mu.Unlock()
		if fn != nil {
			fn(append([]byte(nil), line...))
		}
	}
	s.drop(port, scanner.Err())
}

// drop marks the link down if port is still the active one.
func (s *SerialTransport) drop(port io.ReadWriteCloser, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != port {
		return
	}
	if err != nil {
		s.logger.Warn("serial link lost", "port", s.cfg.Port, "error", err)
	}
	s.port.Close()
	s.port = nil
	s.connected.Store(false)
}

func (s *SerialTransport) Connected() bool { return s.connected.Load() }

func (s *SerialTransport) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	line := append(append([]byte(nil), payload...), '\n')
	done := make(chan error, 1)
	go func() {
		_, err := port.Write(line)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			s.drop(port, err)
			return fmt.Errorf("serial write: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SerialTransport) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	s.connected.Store(false)
	if port != nil {
		return port.Close()
	}
	return nil
}
