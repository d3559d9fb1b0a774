package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/checkpoint/internal/audit"
	"github.com/andresmejia3/checkpoint/internal/capture"
	"github.com/andresmejia3/checkpoint/internal/codec"
	"github.com/andresmejia3/checkpoint/internal/gate"
	"github.com/andresmejia3/checkpoint/internal/metrics"
	"github.com/andresmejia3/checkpoint/internal/types"
	"github.com/andresmejia3/checkpoint/internal/utils"
	"github.com/andresmejia3/checkpoint/internal/vault"
	"github.com/andresmejia3/checkpoint/internal/worker"
)

// openVault loads (or creates) the encryption key and opens the record
// directory. A key that exists but is invalid is fatal.
func openVault(m *metrics.Metrics, rec *audit.Recorder) (*vault.Vault, error) {
	key, err := vault.LoadOrCreateKey(Cfg.Vault.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("encryption key %s: %w", Cfg.Vault.KeyFile, err)
	}
	return vault.New(Cfg.Vault.Dir, key,
		vault.WithLogger(slog.Default()),
		vault.WithDim(Cfg.Face.VectorDim),
		vault.WithCorruptHook(func(personID string, err error) {
			m.IncrementCorruptRecord()
			rec.Event(context.Background(), types.EventVaultCorrupt, "", personID, "skipped", err.Error())
		}),
	)
}

// startCodec spawns the face worker and wraps it in a Codec. The worker is
// killed when ctx is cancelled; callers should also Close it.
func startCodec(ctx context.Context) (*codec.Codec, *worker.PythonWorker, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting face engine...")
	w, err := worker.NewPythonWorker(ctx, 0, Cfg.WorkerConfig())
	if err != nil {
		return nil, nil, err
	}
	opts := []codec.Option{
		codec.WithLogger(slog.Default()),
		codec.WithMinFacePixels(Cfg.Face.MinFacePixels),
	}
	if Cfg.Face.Strict {
		opts = append(opts, codec.WithStrictSingleSubject())
	}
	return codec.New(w, Cfg.Face.VectorDim, opts...), w, nil
}

// workerError reports a face engine failure together with its captured stderr.
func workerError(context string, err error, w *worker.PythonWorker) error {
	var sc *utils.SafeCommand
	if w != nil {
		sc = w.Cmd
	}
	utils.ShowError(context, err, sc)
	return err
}

// newGateChannel builds the dual-transport channel from the configuration.
// A transport whose address is empty is left out.
func newGateChannel(m *metrics.Metrics, rec *audit.Recorder) *gate.Channel {
	logger := slog.Default()
	var network, serial gate.Transport
	if Cfg.MQTT.Broker != "" {
		network = gate.NewMQTTTransport(Cfg.MQTTTransportConfig(), logger)
	}
	if Cfg.Serial.Port != "" {
		serial = gate.NewSerialTransport(Cfg.SerialTransportConfig(), logger)
	}
	return gate.NewChannel(Cfg.GateChannelConfig(), network, serial,
		gate.WithLogger(logger),
		gate.WithMetrics(m),
		gate.WithFailsafeHook(func() {
			rec.Event(context.Background(), types.EventGateFailsafe, "", "", "closed", "open duration elapsed")
		}),
	)
}

// settleGate keeps the fail-safe ticking until the gate is closed, so a
// short-lived command never exits with the gate open.
func settleGate(ch *gate.Channel) {
	ch.Wait()
	deadline := time.Now().Add(Cfg.Gate.OpenDuration + 2*Cfg.Gate.TickInterval)
	for ch.Status().Gate == gate.GateOpen && time.Now().Before(deadline) {
		time.Sleep(Cfg.Gate.TickInterval)
		ch.Tick(context.Background())
	}
}

// newRecorder always logs audit events, and also writes them to Postgres
// when DB is connected and to Kafka when brokers are configured. The
// returned func releases the Kafka client.
func newRecorder() (*audit.Recorder, func()) {
	opts := []audit.Option{
		audit.WithLogger(slog.Default()),
		audit.WithSink(audit.NewLogSink(slog.Default())),
	}
	if DB != nil {
		opts = append(opts, audit.WithSink(audit.NewStoreSink(DB)))
	}
	closer := func() {}
	if len(Cfg.Audit.KafkaBrokers) > 0 {
		k, err := audit.NewKafkaSink(Cfg.Audit.KafkaBrokers, Cfg.Audit.KafkaTopic, "checkpoint")
		if err != nil {
			slog.Warn("kafka audit sink disabled", "error", err)
		} else {
			opts = append(opts, audit.WithSink(k))
			closer = k.Close
		}
	}
	return audit.New(opts...), closer
}

// loadStill reads a JPEG or PNG into a frame at the configured width.
func loadStill(path string) (types.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Frame{}, err
	}
	return capture.LoadImageFrame(data, Cfg.Camera.Width)
}

// stillSource replays one image as a live feed. Every frame is identical, so
// a usable face stabilises after exactly K frames. With a non-zero limit the
// feed ends with io.EOF after that many frames.
type stillSource struct {
	frame types.Frame
	limit int
	n     int
}

func (s *stillSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if s.limit > 0 && s.n >= s.limit {
		return types.Frame{}, io.EOF
	}
	f := s.frame
	f.Index = s.n
	f.CapturedAt = time.Now()
	s.n++
	return f, nil
}

// startCamera runs the camera feed into a fresh slot until ctx is done.
func startCamera(ctx context.Context) *capture.Slot {
	slot := capture.NewSlot()
	cam := capture.NewCamera(Cfg.Camera.Device, Cfg.Camera.FPS, Cfg.Camera.Width,
		capture.WithCameraLogger(slog.Default()))
	go func() {
		if err := cam.Run(ctx, slot); err != nil && ctx.Err() == nil {
			slog.Error("camera stopped", "device", Cfg.Camera.Device, "error", err)
		}
	}()
	return slot
}
