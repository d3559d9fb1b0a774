// Package device emulates the gate controller firmware. It accepts the same
// wire commands as the real board and enforces the open duration on its own
// timer, so the gate closes even if the host goes silent after OPEN_GATE.
package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/checkpoint/internal/gate"
)

type Config struct {
	OpenDuration time.Duration
	TickInterval time.Duration
}

func DefaultConfig() Config {
	return Config{OpenDuration: 3 * time.Second, TickInterval: 100 * time.Millisecond}
}

type Device struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	open     bool
	openedAt time.Time
	led      gate.Command
	wifi     string
	mqtt     string
	publish  func([]byte)
}

type Option func(*Device)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(d *Device) { d.now = now }
}

func New(cfg Config, opts ...Option) *Device {
	d := &Device{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		led:    gate.LEDOff,
		wifi:   gate.LinkDown,
		mqtt:   gate.LinkDown,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle applies one wire message and returns the reply payload.
func (d *Device) Handle(payload []byte) []byte {
	cmd, err := gate.DecodeCommand(payload)
	if err != nil {
		d.logger.Warn("unknown command", "payload", strings.TrimSpace(string(payload)))
		return gate.DeviceReport{Status: "unknown_command"}.Encode()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var status string
	switch cmd {
	case gate.OpenGate:
		d.open = true
		d.openedAt = d.now()
		status = "gate_opened"
	case gate.CloseGate:
		d.open = false
		status = "gate_closed"
	case gate.LEDGreen, gate.LEDBlue, gate.LEDRed, gate.LEDOff:
		d.led = cmd
		status = strings.ToLower(string(cmd))
	case gate.BuzzerSuccess, gate.BuzzerError:
		status = strings.ToLower(string(cmd))
	case gate.Status:
		return d.snapshotLocked().Encode()
	}
	d.logger.Info("command", "command", cmd, "status", status)
	return gate.DeviceReport{Status: status}.Encode()
}

// Tick closes the gate once it has been open longer than OpenDuration and
// publishes the close. It reports whether it closed the gate.
func (d *Device) Tick() bool {
	d.mu.Lock()
	if !d.open || d.now().Sub(d.openedAt) <= d.cfg.OpenDuration {
		d.mu.Unlock()
		return false
	}
	d.open = false
	publish := d.publish
	d.mu.Unlock()

	d.logger.Info("auto-closing gate")
	if publish != nil {
		publish(gate.DeviceReport{Status: "gate_closed"}.Encode())
	}
	return true
}

// Snapshot returns the STATUS reply.
func (d *Device) Snapshot() gate.DeviceReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Device) snapshotLocked() gate.DeviceReport {
	r := gate.DeviceReport{Gate: gate.GateClosed, WiFi: d.wifi, MQTT: d.mqtt}
	if d.open {
		r.Gate = gate.GateOpen
	}
	return r
}

// LED returns the last LED command applied.
func (d *Device) LED() gate.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.led
}

func (d *Device) setPublisher(fn func([]byte), wifi, mqttState string) {
	d.mu.Lock()
	d.publish = fn
	d.wifi, d.mqtt = wifi, mqttState
	d.mu.Unlock()
}

func (d *Device) runTicker(ctx context.Context) {
	t := time.NewTicker(d.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Tick()
		}
	}
}

// ServeLines speaks the serial framing over rw: one command per line in, one
// JSON reply per line out. It returns when rw hits EOF or ctx is done.
func (d *Device) ServeLines(ctx context.Context, rw io.ReadWriter) error {
	var wmu sync.Mutex
	write := func(b []byte) {
		wmu.Lock()
		defer wmu.Unlock()
		if _, err := rw.Write(append(b, '\n')); err != nil {
			d.logger.Warn("serial write failed", "error", err)
		}
	}
	d.setPublisher(write, gate.LinkDown, gate.LinkDown)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.runTicker(ctx)

	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(rw)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			write(d.Handle(line))
		}
	}
}

// ServeMQTT subscribes to the command topic and publishes replies to the
// status topic until ctx is done.
func (d *Device) ServeMQTT(ctx context.Context, cfg gate.MQTTConfig) error {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("device mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	publish := func(b []byte) {
		client.Publish(cfg.StatusTopic, 1, false, b)
	}
	d.setPublisher(publish, gate.LinkUp, gate.LinkUp)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		publish(d.Handle(msg.Payload()))
	}
	if tok := client.Subscribe(cfg.CommandTopic, 1, handler); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("device mqtt subscribe: %w", tok.Error())
	}
	d.logger.Info("device listening", "broker", cfg.Broker, "topic", cfg.CommandTopic)

	d.runTicker(ctx)
	return nil
}
