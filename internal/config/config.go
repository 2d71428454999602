package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults used when neither a flag nor the environment sets a value.
const (
	DefaultSignalURL     = "wss://free.blitzr.xyz"
	DefaultBaseURL       = "http://localhost:5173"
	DefaultTranscribeURL = "http://localhost:8000"
	DefaultSTUN          = "stun:stun.l.google.com:19302"
	DefaultTimeout       = 5 * time.Minute
)

// Config holds the application configuration.
type Config struct {
	// SignalURL is the WebSocket endpoint of the signaling relay.
	SignalURL string

	// BaseURL is the page the invite link points at.
	BaseURL string

	// ICE servers
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Files standing in for the camera and microphone.
	VideoFile string
	AudioFile string

	// RecordDir, when set, receives one file per remote track.
	RecordDir string

	// HTTPAddr, when set, serves the control API.
	HTTPAddr string

	TranscribeURL     string
	TranscribeTimeout time.Duration

	LogLevel string
}

// Options carries CLI flag values. Empty fields fall through to the
// environment.
type Options struct {
	SignalURL     string
	BaseURL       string
	STUNServer    string
	TURNServer    string
	TURNUser      string
	TURNPass      string
	ForceRelay    bool
	VideoFile     string
	AudioFile     string
	RecordDir     string
	HTTPAddr      string
	TranscribeURL string
	LogLevel      string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options)
// 2. Environment variables, including a .env file if present
// 3. Defaults
func Load(opts Options) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		SignalURL:         pick(opts.SignalURL, "MESHCALL_SIGNAL_URL", DefaultSignalURL),
		BaseURL:           pick(opts.BaseURL, "MESHCALL_BASE_URL", DefaultBaseURL),
		STUNServer:        pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:        pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:          pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:          pick(opts.TURNPass, "TURN_PASSWORD", ""),
		ForceRelay:        opts.ForceRelay || envBool("MESHCALL_FORCE_RELAY"),
		VideoFile:         pick(opts.VideoFile, "MESHCALL_VIDEO_FILE", ""),
		AudioFile:         pick(opts.AudioFile, "MESHCALL_AUDIO_FILE", ""),
		RecordDir:         pick(opts.RecordDir, "MESHCALL_RECORD_DIR", ""),
		HTTPAddr:          pick(opts.HTTPAddr, "MESHCALL_HTTP_ADDR", ""),
		TranscribeURL:     strings.TrimRight(pick(opts.TranscribeURL, "TRANSCRIBE_URL", DefaultTranscribeURL), "/"),
		TranscribeTimeout: DefaultTimeout,
		LogLevel:          pick(opts.LogLevel, "LOG_LEVEL", ""),
	}
	return cfg, nil
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

// GetSTUNServers returns STUN server URLs.
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. A bare host is
// expanded to the usual UDP, TCP and TLS endpoints.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.HasPrefix(c.TURNServer, "turn:") || strings.HasPrefix(c.TURNServer, "turns:") {
		return []string{c.TURNServer}
	}
	return []string{
		"turn:" + c.TURNServer + ":3478?transport=udp",
		"turn:" + c.TURNServer + ":3478?transport=tcp",
		"turns:" + c.TURNServer + ":5349?transport=tcp",
	}
}

// GetTURNCredentials returns TURN username and password.
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
