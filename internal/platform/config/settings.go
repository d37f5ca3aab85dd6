package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration. It is built once at startup
// and handed to the components by value; nothing re-reads the environment
// afterwards.
type Config struct {
	Server  Server  `yaml:"server"`
	Auth    Auth    `yaml:"auth"`
	Storage Storage `yaml:"storage"`
	Relay   Relay   `yaml:"relay"`
	Session Session `yaml:"session"`
}

// Server holds listener, logging and policy settings.
type Server struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// SelectionRequiresAdmin gates set-current-channel behind the admin role.
	SelectionRequiresAdmin bool `yaml:"channel_selection_requires_admin"`
	// CORSOrigins lists origins allowed to call the HTTP API.
	CORSOrigins []string `yaml:"cors_allowed_origins"`
	// RateLimit caps authenticated requests and socket handshakes per client
	// IP per minute. Zero disables the limit.
	RateLimit int `yaml:"rate_limit_per_minute"`
}

// Auth holds the shared secret used to verify connection tokens.
type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Storage locates the persisted channel catalog.
type Storage struct {
	ChannelsFile string `yaml:"channels_file"`
}

// Relay configures the ffmpeg invocation built by the process manager.
type Relay struct {
	Binary         string `yaml:"binary"`
	StorageRoot    string `yaml:"storage_root"`
	ForceTranscode bool   `yaml:"force_transcode"`

	VideoCodec    string `yaml:"video_codec"`
	AudioCodec    string `yaml:"audio_codec"`
	Preset        string `yaml:"preset"`
	Profile       string `yaml:"profile"`
	Level         string `yaml:"level"`
	AudioRate     string `yaml:"audio_rate"`
	AudioChannels string `yaml:"audio_channels"`
	AudioBitrate  string `yaml:"audio_bitrate"`

	SegmentTime int `yaml:"hls_segment_time"`
	ListSize    int `yaml:"hls_list_size"`

	GPU        bool   `yaml:"gpu"`
	GPUHWAccel string `yaml:"gpu_hwaccel"`
	GPUDecoder string `yaml:"gpu_decoder"`
	GPUEncoder string `yaml:"gpu_encoder"`
	GPUPreset  string `yaml:"gpu_preset"`

	// KillTimeout bounds how long Stop waits after SIGTERM before sending
	// SIGKILL. Zero waits forever.
	KillTimeout time.Duration `yaml:"kill_timeout"`
}

// Session configures the handshake resolver.
type Session struct {
	NegotiateURL string        `yaml:"negotiate_url"`
	DecryptURL   string        `yaml:"decrypt_url"`
	Origin       string        `yaml:"origin"`
	MatchHosts   []string      `yaml:"match_hosts"`
	Timeout      time.Duration `yaml:"timeout"`

	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:        "5000",
			LogLevel:    "info",
			LogFormat:   "json",
			CORSOrigins: []string{"*"},
			RateLimit:   120,
		},
		Storage: Storage{
			ChannelsFile: "channels/channels.json",
		},
		Relay: Relay{
			Binary:        "ffmpeg",
			StorageRoot:   "/tmp/hls",
			VideoCodec:    "libx264",
			AudioCodec:    "aac",
			Preset:        "veryfast",
			Profile:       "baseline",
			Level:         "3.0",
			AudioRate:     "48000",
			AudioChannels: "2",
			AudioBitrate:  "128k",
			SegmentTime:   6,
			ListSize:      5,
			GPUHWAccel:    "cuda",
			GPUDecoder:    "h264_cuvid",
			GPUEncoder:    "h264_nvenc",
			GPUPreset:     "p4",
			KillTimeout:   10 * time.Second,
		},
		Session: Session{
			NegotiateURL:    "https://embedme.top/fetch",
			DecryptURL:      "https://streamed-su-decrypt-api.vercel.app/api/decrypt",
			Origin:          "https://rr.vipstreams.in",
			MatchHosts:      []string{"embedme.top", "streamed.su"},
			Timeout:         15 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
	}
}

// LoadFile overlays the YAML document at path onto c. Keys missing from the
// file keep their current values.
func LoadFile(path string, c *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields of c with any environment variables that are set.
func (c *Config) ApplyEnv() {
	c.Server.Port = GetEnv("PORT", c.Server.Port)
	c.Server.LogLevel = GetEnv("LOG_LEVEL", c.Server.LogLevel)
	c.Server.LogFormat = GetEnv("LOG_FORMAT", c.Server.LogFormat)
	c.Server.SelectionRequiresAdmin = GetEnvBool("CHANNEL_SELECTION_REQUIRES_ADMIN", c.Server.SelectionRequiresAdmin)
	c.Server.CORSOrigins = GetEnvList("CORS_ALLOWED_ORIGINS", c.Server.CORSOrigins)
	c.Server.RateLimit = GetEnvInt("RATE_LIMIT_PER_MINUTE", c.Server.RateLimit)

	c.Auth.JWTSecret = GetEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Storage.ChannelsFile = GetEnv("CHANNELS_FILE", c.Storage.ChannelsFile)

	r := &c.Relay
	r.Binary = GetEnv("FFMPEG_BIN", r.Binary)
	r.StorageRoot = GetEnv("STORAGE_PATH", r.StorageRoot)
	r.ForceTranscode = GetEnvBool("FORCE_TRANSCODE", r.ForceTranscode)
	r.VideoCodec = GetEnv("TRANSCODE_VIDEO_CODEC", r.VideoCodec)
	r.AudioCodec = GetEnv("TRANSCODE_AUDIO_CODEC", r.AudioCodec)
	r.Preset = GetEnv("TRANSCODE_PRESET", r.Preset)
	r.Profile = GetEnv("TRANSCODE_PROFILE", r.Profile)
	r.Level = GetEnv("TRANSCODE_LEVEL", r.Level)
	r.AudioRate = GetEnv("TRANSCODE_AUDIO_RATE", r.AudioRate)
	r.AudioChannels = GetEnv("TRANSCODE_AUDIO_CHANNELS", r.AudioChannels)
	r.AudioBitrate = GetEnv("TRANSCODE_AUDIO_BITRATE", r.AudioBitrate)
	r.SegmentTime = GetEnvInt("HLS_SEGMENT_TIME", r.SegmentTime)
	r.ListSize = GetEnvInt("HLS_LIST_SIZE", r.ListSize)
	r.GPU = GetEnvBool("TRANSCODE_GPU", r.GPU)
	r.GPUHWAccel = GetEnv("TRANSCODE_GPU_HWACCEL", r.GPUHWAccel)
	r.GPUDecoder = GetEnv("TRANSCODE_GPU_DECODER", r.GPUDecoder)
	r.GPUEncoder = GetEnv("TRANSCODE_GPU_ENCODER", r.GPUEncoder)
	r.GPUPreset = GetEnv("TRANSCODE_GPU_PRESET", r.GPUPreset)
	r.KillTimeout = GetEnvDuration("RELAY_KILL_TIMEOUT", r.KillTimeout)

	s := &c.Session
	s.NegotiateURL = GetEnv("SESSION_NEGOTIATE_URL", s.NegotiateURL)
	s.DecryptURL = GetEnv("SESSION_DECRYPT_URL", s.DecryptURL)
	s.Origin = GetEnv("SESSION_ORIGIN", s.Origin)
	s.MatchHosts = GetEnvList("SESSION_MATCH_HOSTS", s.MatchHosts)
	s.Timeout = GetEnvDuration("SESSION_TIMEOUT", s.Timeout)
	s.BreakerFailures = uint32(GetEnvInt("SESSION_BREAKER_FAILURES", int(s.BreakerFailures)))
	s.BreakerTimeout = GetEnvDuration("SESSION_BREAKER_TIMEOUT", s.BreakerTimeout)
}

// Resolve builds the configuration: defaults, then the optional YAML file,
// then environment overrides.
func Resolve(file string) (Config, error) {
	c := Defaults()
	if file != "" {
		if err := LoadFile(file, &c); err != nil {
			return Config{}, err
		}
	}
	c.ApplyEnv()
	return c, nil
}
