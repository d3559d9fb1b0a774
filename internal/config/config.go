// Package config reads the kiosk configuration once at startup from the
// environment and an optional .env file. The result is passed by value and
// never mutated afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/andresmejia3/checkpoint/internal/capture"
	"github.com/andresmejia3/checkpoint/internal/checkin"
	"github.com/andresmejia3/checkpoint/internal/gate"
	"github.com/andresmejia3/checkpoint/internal/worker"
)

type Config struct {
	Log      LogConfig
	Database DatabaseConfig
	Vault    VaultConfig
	Face     FaceConfig
	Camera   CameraConfig
	Gate     GateConfig
	MQTT     MQTTConfig
	Serial   SerialConfig
	HTTP     HTTPConfig
	Audit    AuditConfig
	Cleanup  CleanupConfig
}

type LogConfig struct {
	Format string // text or json
	Level  string // debug, info, warn, error
}

type DatabaseConfig struct {
	URL string // empty disables ticket operations
}

type VaultConfig struct {
	Dir     string // enrollment records, one <hex id>.enc per person
	KeyFile string // 32-byte key, created with mode 0600 on first run
}

type FaceConfig struct {
	WorkerCmd       []string
	WorkerTimeout   time.Duration
	VectorDim       int
	MinFacePixels   int
	Strict          bool // fail on more than one face instead of picking the largest
	MatchThreshold  float64
	StableFrames    int
	CenterTolerance float64
	MinFaceFraction float64
	MaxFaceFraction float64
	SessionTimeout  time.Duration
}

type CameraConfig struct {
	Device string
	FPS    int
	Width  int
}

type GateConfig struct {
	OpenDuration      time.Duration
	TickInterval      time.Duration
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	SendTimeout       time.Duration
}

type MQTTConfig struct {
	Broker       string // empty disables the network transport
	ClientID     string
	CommandTopic string
	StatusTopic  string
	Username     string
	Password     string
}

type SerialConfig struct {
	Port string // empty disables the serial transport
	Baud int
}

type HTTPConfig struct {
	Addr     string
	AdminPin string // empty disables the admin routes
}

type AuditConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

type CleanupConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// Load reads .env files (default ".env" when present) and then the
// environment. Variables already set in the environment win over the file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	p := &parser{}
	cfg := Config{
		Log: LogConfig{
			Format: p.envString("LOG_FORMAT", "text"),
			Level:  p.envString("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Vault: VaultConfig{
			Dir:     p.envString("FACES_DIR", "faces"),
			KeyFile: p.envString("ENCRYPTION_KEY_FILE", "data/.encryption_key"),
		},
		Face: FaceConfig{
			WorkerCmd:       strings.Fields(p.envString("FACE_WORKER_CMD", "python3 -u python/worker.py")),
			WorkerTimeout:   p.envDuration("FACE_WORKER_TIMEOUT", 10*time.Second),
			VectorDim:       p.envInt("FACE_VECTOR_DIM", 128),
			MinFacePixels:   p.envInt("FACE_MIN_PIXELS", 60),
			Strict:          p.envBool("FACE_STRICT_SINGLE", false),
			MatchThreshold:  p.envFloat("MATCH_THRESHOLD", 0.55),
			StableFrames:    p.envInt("STABLE_FRAMES", 30),
			CenterTolerance: p.envFloat("CENTER_TOLERANCE", 0.2),
			MinFaceFraction: p.envFloat("MIN_FACE_FRACTION", 0.15),
			MaxFaceFraction: p.envFloat("MAX_FACE_FRACTION", 0.8),
			SessionTimeout:  p.envDuration("SESSION_TIMEOUT", 120*time.Second),
		},
		Camera: CameraConfig{
			Device: p.envString("CAMERA_DEVICE", "/dev/video0"),
			FPS:    p.envInt("CAMERA_FPS", 15),
			Width:  p.envInt("FRAME_WIDTH", 640),
		},
		Gate: GateConfig{
			OpenDuration:      p.envDuration("GATE_OPEN_DURATION", 3*time.Second),
			TickInterval:      p.envDuration("GATE_TICK_INTERVAL", 250*time.Millisecond),
			ReconnectInterval: p.envDuration("GATE_RECONNECT_INTERVAL", 5*time.Second),
			ConnectTimeout:    p.envDuration("GATE_CONNECT_TIMEOUT", 2*time.Second),
			SendTimeout:       p.envDuration("GATE_SEND_TIMEOUT", 2*time.Second),
		},
		MQTT: MQTTConfig{
			Broker:       p.envString("MQTT_BROKER", "tcp://localhost:1883"),
			ClientID:     p.envString("MQTT_CLIENT_ID", "checkpoint-kiosk"),
			CommandTopic: p.envString("MQTT_COMMAND_TOPIC", "kiosk/gate"),
			StatusTopic:  p.envString("MQTT_STATUS_TOPIC", "kiosk/status"),
			Username:     os.Getenv("MQTT_USERNAME"),
			Password:     os.Getenv("MQTT_PASSWORD"),
		},
		Serial: SerialConfig{
			Port: p.envString("SERIAL_PORT", "/dev/ttyUSB0"),
			Baud: p.envInt("SERIAL_BAUD", 9600),
		},
		HTTP: HTTPConfig{
			Addr:     p.envString("HTTP_ADDR", ":8080"),
			AdminPin: os.Getenv("ADMIN_PIN"),
		},
		Audit: AuditConfig{
			KafkaBrokers: p.envList("AUDIT_KAFKA_BROKERS"),
			KafkaTopic:   p.envString("AUDIT_KAFKA_TOPIC", "checkpoint.audit"),
		},
		Cleanup: CleanupConfig{
			Interval: p.envDuration("CLEANUP_INTERVAL", time.Hour),
			MaxAge:   p.envDuration("CHECKIN_MAX_AGE", 24*time.Hour),
		},
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	f := c.Face
	check(f.MatchThreshold > 0 && f.MatchThreshold <= 1, "MATCH_THRESHOLD must be within (0, 1], got %v", f.MatchThreshold)
	check(f.StableFrames >= 1, "STABLE_FRAMES must be at least 1, got %d", f.StableFrames)
	check(f.VectorDim >= 1, "FACE_VECTOR_DIM must be positive, got %d", f.VectorDim)
	check(len(f.WorkerCmd) > 0, "FACE_WORKER_CMD must not be empty")
	check(f.SessionTimeout > 0, "SESSION_TIMEOUT must be positive")
	if err := c.CaptureConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	g := c.Gate
	check(g.OpenDuration > 0, "GATE_OPEN_DURATION must be positive")
	check(g.TickInterval > 0, "GATE_TICK_INTERVAL must be positive")
	check(g.ReconnectInterval > 0, "GATE_RECONNECT_INTERVAL must be positive")
	check(g.ConnectTimeout > 0, "GATE_CONNECT_TIMEOUT must be positive")
	check(g.SendTimeout > 0, "GATE_SEND_TIMEOUT must be positive")

	check(c.Vault.Dir != "", "FACES_DIR must not be empty")
	check(c.Vault.KeyFile != "", "ENCRYPTION_KEY_FILE must not be empty")
	check(c.Log.Format == "text" || c.Log.Format == "json", "LOG_FORMAT must be text or json, got %q", c.Log.Format)
	check(c.Cleanup.Interval > 0 && c.Cleanup.MaxAge > 0, "CLEANUP_INTERVAL and CHECKIN_MAX_AGE must be positive")
	return errors.Join(errs...)
}

func (c Config) CaptureConfig() capture.Config {
	return capture.Config{
		K:               c.Face.StableFrames,
		CenterTolerance: c.Face.CenterTolerance,
		MinFaceFraction: c.Face.MinFaceFraction,
		MaxFaceFraction: c.Face.MaxFaceFraction,
	}
}

func (c Config) CheckInConfig() checkin.Config {
	return checkin.Config{
		Threshold:      c.Face.MatchThreshold,
		Capture:        c.CaptureConfig(),
		SessionTimeout: c.Face.SessionTimeout,
	}
}

func (c Config) WorkerConfig() worker.Config {
	return worker.Config{Command: c.Face.WorkerCmd, ReadTimeout: c.Face.WorkerTimeout}
}

func (c Config) GateChannelConfig() gate.Config {
	return gate.Config{
		OpenDuration:      c.Gate.OpenDuration,
		TickInterval:      c.Gate.TickInterval,
		ReconnectInterval: c.Gate.ReconnectInterval,
		ConnectTimeout:    c.Gate.ConnectTimeout,
		SendTimeout:       c.Gate.SendTimeout,
	}
}

func (c Config) MQTTTransportConfig() gate.MQTTConfig {
	return gate.MQTTConfig{
		Broker:       c.MQTT.Broker,
		ClientID:     c.MQTT.ClientID,
		CommandTopic: c.MQTT.CommandTopic,
		StatusTopic:  c.MQTT.StatusTopic,
		Username:     c.MQTT.Username,
		Password:     c.MQTT.Password,
	}
}

func (c Config) SerialTransportConfig() gate.SerialConfig {
	return gate.SerialConfig{Port: c.Serial.Port, Baud: c.Serial.Baud}
}

// parser collects every malformed variable so startup reports them together.
type parser struct {
	errs []error
}

func (p *parser) envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) envInt(key string, def int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) envFloat(key string, def float64) float64 {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) envDuration(key string, def time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) envBool(key string, def bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
