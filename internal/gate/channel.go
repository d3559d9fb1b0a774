// Package gate drives the physical gate controller over two interchangeable
// links (MQTT preferred, USB serial fallback) and closes the gate locally
// after a fixed open duration whether or not the device ever acknowledges.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/checkpoint/internal/metrics"
)

var ErrDeviceUnreachable = errors.New("gate device unreachable")

type Config struct {
	// OpenDuration is how long the gate may stay open before the fail-safe
	// closes it.
	OpenDuration time.Duration
	// TickInterval is the fail-safe check period.
	TickInterval time.Duration
	// ReconnectInterval is the period of the background reconnect task.
	ReconnectInterval time.Duration
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
	// SendTimeout bounds a single send, fallback included.
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		OpenDuration:      3 * time.Second,
		TickInterval:      250 * time.Millisecond,
		ReconnectInterval: 5 * time.Second,
		ConnectTimeout:    2 * time.Second,
		SendTimeout:       2 * time.Second,
	}
}

// StatusSnapshot feeds the UI indicator. It is never used for control.
type StatusSnapshot struct {
	Gate      string        `json:"gate"`
	Link      string        `json:"link"`
	Transport string        `json:"transport,omitempty"`
	Device    *DeviceReport `json:"device,omitempty"`
}

// session is the local view of the gate. It is authoritative for the
// fail-safe: device reports never reset openedAt.
type session struct {
	open      bool
	openedAt  time.Time
	changedAt time.Time
}

type Channel struct {
	cfg     Config
	network Transport
	serial  Transport
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	onFailsafe func()

	mu       sync.Mutex
	session  session
	report   DeviceReport
	reportAt time.Time
	lastLink string

	wg sync.WaitGroup
}

type Option func(*Channel)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithClock injects the time source used by the fail-safe.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithFailsafeHook is called after each fail-safe close.
func WithFailsafeHook(fn func()) Option {
	return func(c *Channel) { c.onFailsafe = fn }
}

// NewChannel builds a channel over the given transports. Either may be nil.
func NewChannel(cfg Config, network, serial Transport, opts ...Option) *Channel {
	c := &Channel{
		cfg:     cfg,
		network: network,
		serial:  serial,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, t := range c.transports() {
		t.OnReport(c.handleReport)
	}
	return c
}

func (c *Channel) transports() []Transport {
	var ts []Transport
	if c.network != nil {
		ts = append(ts, c.network)
	}
	if c.serial != nil {
		ts = append(ts, c.serial)
	}
	return ts
}

// Send delivers cmd over the preferred connected transport, falling back to
// the other once. It never retries beyond that.
func (c *Channel) Send(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	switch cmd {
	case OpenGate:
		now := c.now()
		c.session = session{open: true, openedAt: now, changedAt: now}
	case CloseGate:
		c.session = session{open: false, changedAt: c.now()}
	}
	candidates := c.selectLocked()
	c.mu.Unlock()

	if c.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SendTimeout)
		defer cancel()
	}

	payload := cmd.Encode()
	var errs []error
	for _, t := range candidates {
		err := t.Send(ctx, payload)
		c.metrics.ObserveGateSend(string(cmd), t.Name(), err)
		if err == nil {
			c.logger.Debug("gate command sent", "command", cmd, "transport", t.Name())
			return nil
		}
		c.logger.Warn("gate send failed", "command", cmd, "transport", t.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
	}

	if len(candidates) == 0 {
		c.metrics.ObserveGateSend(string(cmd), "", ErrDeviceUnreachable)
		return fmt.Errorf("%w: %s: no transport connected", ErrDeviceUnreachable, cmd)
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, cmd, errors.Join(errs...))
}

// selectLocked returns at most two connected transports in preference order.
func (c *Channel) selectLocked() []Transport {
	var out []Transport
	for _, t := range c.transports() {
		if t.Connected() {
			out = append(out, t)
		}
	}
	return out
}

// Dispatch sends cmds in order on a separate goroutine and logs failures.
// It never blocks the caller.
func (c *Channel) Dispatch(cmds ...Command) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, cmd := range cmds {
			if err := c.Send(context.Background(), cmd); err != nil {
				c.logger.Error("gate command dropped", "command", cmd, "error", err)
			}
		}
	}()
}

// Wait blocks until every pending Dispatch has finished.
func (c *Channel) Wait() {
	c.wg.Wait()
}

// Tick runs one fail-safe check and reports whether it closed the gate.
// Firing when the gate is already closed does nothing.
func (c *Channel) Tick(ctx context.Context) bool {
	c.mu.Lock()
	now := c.now()
	if !c.session.open || now.Sub(c.session.openedAt) <= c.cfg.OpenDuration {
		c.mu.Unlock()
		return false
	}
	openFor := now.Sub(c.session.openedAt)
	c.session = session{open: false, changedAt: now}
	c.mu.Unlock()

	c.logger.Info("fail-safe closing gate", "open_for", openFor)
	c.metrics.IncrementFailsafeClose()
	if err := c.Send(ctx, CloseGate); err != nil {
		c.logger.Warn("fail-safe close not delivered, gate marked closed locally", "error", err)
	}
	if c.onFailsafe != nil {
		c.onFailsafe()
	}
	return true
}

// Status reports the gate and link state for display.
func (c *Channel) Status() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := StatusSnapshot{Gate: GateClosed, Link: LinkDown}
	if c.session.open {
		s.Gate = GateOpen
	}
	if ts := c.selectLocked(); len(ts) > 0 {
		s.Link = LinkUp
		s.Transport = ts[0].Name()
	}
	if !c.reportAt.IsZero() {
		r := c.report
		s.Device = &r
		if g := r.GateState(); g != "" && c.reportAt.After(c.session.changedAt) {
			s.Gate = g
		}
	}
	return s
}

func (c *Channel) handleReport(payload []byte) {
	r, err := ParseReport(payload)
	if err != nil {
		c.logger.Debug("ignoring device message", "payload", string(payload), "error", err)
		return
	}
	c.mu.Lock()
	c.report = r
	c.reportAt = c.now()
	c.mu.Unlock()
	c.logger.Debug("device report", "status", r.Status, "gate", r.Gate)
}

// Connect attempts every disconnected transport once, each bounded by
// ConnectTimeout, and returns the joined failures.
func (c *Channel) Connect(ctx context.Context) error {
	var errs []error
	for _, t := range c.transports() {
		if t.Connected() {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		err := t.Connect(cctx)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Info("gate transport connected", "transport", t.Name())
	}
	c.logLinkChange()
	return errors.Join(errs...)
}

func (c *Channel) logLinkChange() {
	st := c.Status()
	c.mu.Lock()
	changed := st.Link+st.Transport != c.lastLink
	c.lastLink = st.Link + st.Transport
	c.mu.Unlock()
	if changed {
		c.logger.Info("gate link state", "link", st.Link, "transport", st.Transport)
	}
}

// Run drives the reconnect task and the fail-safe tick until ctx is done,
// then closes the gate and the transports.
func (c *Channel) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("gate controller not reachable yet", "error", err)
	}

	tick := time.NewTicker(c.cfg.TickInterval)
	defer tick.Stop()
	reconnect := time.NewTicker(c.cfg.ReconnectInterval)
	defer reconnect.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-tick.C:
			c.Tick(ctx)
		case <-reconnect.C:
			if err := c.Connect(ctx); err != nil {
				c.logger.Debug("gate reconnect failed", "error", err)
			}
		}
	}
}

func (c *Channel) shutdown() {
	c.Wait()
	c.mu.Lock()
	wasOpen := c.session.open
	c.mu.Unlock()
	if wasOpen {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		if err := c.Send(ctx, CloseGate); err != nil {
			c.logger.Warn("close on shutdown failed", "error", err)
		}
		cancel()
	}
	for _, t := range c.transports() {
		t.Close()
	}
}
