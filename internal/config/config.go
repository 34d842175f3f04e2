package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/flowpbx/flowiax/internal/codec"
	"github.com/flowpbx/flowiax/internal/iax"
)

// Config holds all runtime configuration for the flowiax daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	BindAddr  string
	Port      int
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	MinRetryMS int
	MaxRetryMS int
	MaxRetries int

	MinRegExpire     int
	MaxRegExpire     int
	DefaultRegExpire int

	TrunkFreqMS     int
	TrunkMaxSize    int
	TrunkTimestamps bool

	AuthRejectDelayMS int // 0 answers failed authentication at once
	MaxAuthReq        int // 0 is unlimited

	QualifyFreqOKMS    int
	QualifyFreqNotOKMS int

	DPCacheTTL     time.Duration
	DPCacheTimeout time.Duration

	Codecs      string // comma-separated capability, e.g. "ulaw,alaw,gsm"
	CodecPrefs  string // comma-separated preference order
	CodecPolicy string // host, caller, disabled, reqonly
	Language    string

	KeysDir            string // directory of <name>.pub / <name>.key RSA files
	KeystorePassphrase string // seals "keystore:" secrets at rest
	RealtimeDSN        string // PostgreSQL DSN for real-time users and peers
	JWTSecret          string // hex-encoded 32-byte secret for admin API tokens
	AdminPassword      string // password exchanged for an admin API token
	SRVLookup          bool

	NewCallRate  float64 // per-source NEW/REGREQ/POKE rate, 0 disables
	NewCallBurst int
}

// defaults
const (
	defaultBindAddr          = "0.0.0.0"
	defaultPort              = 4569
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultMinRetryMS        = 100
	defaultMaxRetryMS        = 10000
	defaultMaxRetries        = 4
	defaultMinRegExpire      = 60
	defaultMaxRegExpire      = 3600
	defaultDefaultRegExpire  = 60
	defaultTrunkFreqMS       = 20
	defaultTrunkMaxSize      = 128000
	defaultAuthRejectDelayMS = 1000
	defaultQualifyFreqOKMS   = 60000
	defaultQualifyFreqNotOK  = 10000
	defaultDPCacheTTL        = 10 * time.Minute
	defaultDPCacheTimeout    = 5 * time.Second
	defaultCodecs            = "ulaw,alaw,gsm"
	defaultCodecPolicy       = "host"
	defaultNewCallRate       = 20
	defaultNewCallBurst      = 40
)

// envPrefix is the prefix for all flowiax environment variables.
const envPrefix = "FLOWIAX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("flowiax", flag.ContinueOnError)

	fs.StringVar(&cfg.BindAddr, "bind-addr", defaultBindAddr, "IPv4 address the IAX socket binds to")
	fs.IntVar(&cfg.Port, "port", defaultPort, "IAX UDP listen port")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.MinRetryMS, "min-retry-ms", defaultMinRetryMS, "lower bound of the retransmission interval")
	fs.IntVar(&cfg.MaxRetryMS, "max-retry-ms", defaultMaxRetryMS, "upper bound of the retransmission interval")
	fs.IntVar(&cfg.MaxRetries, "max-retries", defaultMaxRetries, "retransmissions before a frame is given up")
	fs.IntVar(&cfg.MinRegExpire, "min-reg-expire", defaultMinRegExpire, "shortest registration granted, in seconds")
	fs.IntVar(&cfg.MaxRegExpire, "max-reg-expire", defaultMaxRegExpire, "longest registration granted, in seconds")
	fs.IntVar(&cfg.DefaultRegExpire, "default-reg-expire", defaultDefaultRegExpire, "registration granted when none is requested, in seconds")
	fs.IntVar(&cfg.TrunkFreqMS, "trunk-freq-ms", defaultTrunkFreqMS, "interval between trunk datagrams")
	fs.IntVar(&cfg.TrunkMaxSize, "trunk-max-size", defaultTrunkMaxSize, "bytes buffered per trunk peer before voice bypasses the trunk")
	fs.BoolVar(&cfg.TrunkTimestamps, "trunk-timestamps", false, "send per-call timestamps inside trunk datagrams")
	fs.IntVar(&cfg.AuthRejectDelayMS, "auth-reject-delay-ms", defaultAuthRejectDelayMS, "delay before answering a failed authentication (0 disables)")
	fs.IntVar(&cfg.MaxAuthReq, "max-auth-req", 0, "concurrent authentications per user (0 is unlimited)")
	fs.IntVar(&cfg.QualifyFreqOKMS, "qualify-freq-ok-ms", defaultQualifyFreqOKMS, "poke interval for reachable peers")
	fs.IntVar(&cfg.QualifyFreqNotOKMS, "qualify-freq-notok-ms", defaultQualifyFreqNotOK, "poke interval for unreachable peers")
	fs.DurationVar(&cfg.DPCacheTTL, "dpcache-ttl", defaultDPCacheTTL, "default lifetime of cached dialplan answers")
	fs.DurationVar(&cfg.DPCacheTimeout, "dpcache-timeout", defaultDPCacheTimeout, "how long a dialplan query waits for an answer")
	fs.StringVar(&cfg.Codecs, "codecs", defaultCodecs, "comma-separated list of allowed formats")
	fs.StringVar(&cfg.CodecPrefs, "codec-prefs", "", "comma-separated format preference order (defaults to the codecs order)")
	fs.StringVar(&cfg.CodecPolicy, "codec-policy", defaultCodecPolicy, "codec choice policy (host, caller, disabled, reqonly)")
	fs.StringVar(&cfg.Language, "language", "", "default language sent on outbound calls")
	fs.StringVar(&cfg.KeysDir, "keys-dir", "", "directory holding RSA keys (<name>.pub, <name>.key)")
	fs.StringVar(&cfg.KeystorePassphrase, "keystore-passphrase", "", "passphrase sealing stored secrets")
	fs.StringVar(&cfg.RealtimeDSN, "realtime-dsn", "", "PostgreSQL DSN for real-time users and peers")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin API tokens (auto-generated if empty)")
	fs.StringVar(&cfg.AdminPassword, "admin-password", "", "password of the initial admin API user, used when no admin exists")
	fs.BoolVar(&cfg.SRVLookup, "srv-lookup", false, "resolve peer hosts through _iax._udp SRV records")
	fs.Float64Var(&cfg.NewCallRate, "new-call-rate", defaultNewCallRate, "unauthenticated requests per second allowed from one source (0 disables)")
	fs.IntVar(&cfg.NewCallBurst, "new-call-burst", defaultNewCallBurst, "burst size of the per-source limiter")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. http-port to
// FLOWIAX_HTTP_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet) error {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || err != nil {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if e := fs.Set(f.Name, val); e != nil {
			err = fmt.Errorf("env %s: %w", envName(f.Name), e)
		}
	})
	return err
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	addr, err := netip.ParseAddr(c.BindAddr)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("bind-addr must be an IPv4 address, got %q", c.BindAddr)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 0 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.MinRetryMS < 1 || c.MaxRetryMS < c.MinRetryMS {
		return fmt.Errorf("retry bounds must satisfy 1 <= min-retry-ms <= max-retry-ms, got %d and %d", c.MinRetryMS, c.MaxRetryMS)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max-retries must be positive, got %d", c.MaxRetries)
	}
	if c.MinRegExpire < 1 || c.MaxRegExpire < c.MinRegExpire || c.MaxRegExpire > 65535 {
		return fmt.Errorf("registration expiry bounds must satisfy 1 <= min-reg-expire <= max-reg-expire <= 65535, got %d and %d", c.MinRegExpire, c.MaxRegExpire)
	}
	if c.DefaultRegExpire < c.MinRegExpire || c.DefaultRegExpire > c.MaxRegExpire {
		return fmt.Errorf("default-reg-expire must lie within the expiry bounds, got %d", c.DefaultRegExpire)
	}
	if c.TrunkFreqMS < 10 || c.TrunkFreqMS > 1000 {
		return fmt.Errorf("trunk-freq-ms must be between 10 and 1000, got %d", c.TrunkFreqMS)
	}
	if c.TrunkMaxSize < 1024 {
		return fmt.Errorf("trunk-max-size must be at least 1024, got %d", c.TrunkMaxSize)
	}
	if c.AuthRejectDelayMS < 0 || c.MaxAuthReq < 0 {
		return fmt.Errorf("auth-reject-delay-ms and max-auth-req must not be negative")
	}
	if c.QualifyFreqOKMS < 1000 || c.QualifyFreqNotOKMS < 1000 {
		return fmt.Errorf("qualify intervals must be at least 1000ms")
	}
	if c.DPCacheTTL <= 0 || c.DPCacheTimeout <= 0 {
		return fmt.Errorf("dpcache-ttl and dpcache-timeout must be positive")
	}
	if codec.ParseCapability(c.Codecs) == 0 {
		return fmt.Errorf("codecs must name at least one known format, got %q", c.Codecs)
	}
	policy := strings.ToLower(strings.TrimSpace(c.CodecPolicy))
	if p := codec.ParsePolicy(policy); p == codec.PolicyHost && policy != "host" {
		return fmt.Errorf("codec-policy must be one of host, caller, disabled, reqonly; got %q", c.CodecPolicy)
	}
	if c.NewCallRate < 0 || c.NewCallBurst < 0 {
		return fmt.Errorf("new-call-rate and new-call-burst must not be negative")
	}
	return nil
}

// BindAddrPort returns the address the IAX socket listens on.
func (c *Config) BindAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(c.BindAddr), uint16(c.Port))
}

// Engine translates the configuration into engine settings.
func (c *Config) Engine() iax.Config {
	cfg := iax.DefaultConfig()
	cfg.MinRetry = time.Duration(c.MinRetryMS) * time.Millisecond
	cfg.MaxRetry = time.Duration(c.MaxRetryMS) * time.Millisecond
	cfg.MaxRetries = c.MaxRetries
	cfg.MinRegExpire = c.MinRegExpire
	cfg.MaxRegExpire = c.MaxRegExpire
	cfg.DefaultRegExpire = c.DefaultRegExpire
	cfg.TrunkFreq = time.Duration(c.TrunkFreqMS) * time.Millisecond
	cfg.TrunkMaxSize = c.TrunkMaxSize
	cfg.TrunkTimestamps = c.TrunkTimestamps
	cfg.AuthRejectDelay = time.Duration(c.AuthRejectDelayMS) * time.Millisecond
	cfg.MaxAuthReq = c.MaxAuthReq
	cfg.QualifyFreqOK = time.Duration(c.QualifyFreqOKMS) * time.Millisecond
	cfg.QualifyFreqNotOK = time.Duration(c.QualifyFreqNotOKMS) * time.Millisecond
	cfg.DPCacheTTL = c.DPCacheTTL
	cfg.DPCacheTimeout = c.DPCacheTimeout
	cfg.Capability = codec.ParseCapability(c.Codecs)
	prefs := c.CodecPrefs
	if prefs == "" {
		prefs = c.Codecs
	}
	cfg.Prefs = codec.ParsePrefs(prefs)
	cfg.Policy = codec.ParsePolicy(c.CodecPolicy)
	cfg.Language = c.Language
	return cfg
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
