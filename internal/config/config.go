// Package config loads vmslink settings from the config file, the
// environment and command-line flags through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vmslink/internal/auth"
	"vmslink/internal/session"
)

const (
	fileName  = ".vmslink"
	envPrefix = "VMSLINK"
)

// InitConfig reads in config file and ENV variables if set.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(fileName)
	}
	Bind(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Bind makes every key readable from VMSLINK_* environment variables, with
// dots replaced by underscores (stability.min_interval is
// VMSLINK_STABILITY_MIN_INTERVAL).
func Bind(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
}

// SaveConnection records the server the last login went to and the
// connection id it was given.
func SaveConnection(server, connectionID string) error {
	viper.Set("server", server)
	viper.Set("connection_id", connectionID)

	if err := viper.WriteConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return viper.SafeWriteConfig()
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		return viper.WriteConfigAs(filepath.Join(home, fileName+".yaml"))
	}
	return nil
}

// Options is every tunable setting, in the units the components use.
type Options struct {
	Server             string
	Username           string
	InsecureSkipVerify bool

	MinInterval          time.Duration
	MinIntervalFloor     time.Duration
	MinIntervalCeiling   time.Duration
	MaxInterval          time.Duration
	MaxIntervalOnFailure time.Duration
	GrowthPerError       float64
	FailureWeight        float64
	RecoverPace          float64
	MinIntervalGrowth    float64

	MinChallenges int
	HaltRatio     float64
	PrimeBits     int
	ChallengeHash string
	DisableChap   bool

	RequestTimeout    time.Duration
	KeepAliveInterval time.Duration
	RestartCooldown   time.Duration
	EmptyFrameGrowth  float64

	HeartbeatMinInterval time.Duration
	RestartDelay         time.Duration
	CommandTimeout       time.Duration
	HeartbeatInterval    time.Duration
}

// Defaults mirrors the component defaults.
func Defaults() Options {
	s := session.DefaultOptions()
	return Options{
		MinInterval:          s.Stability.MinInterval,
		MinIntervalFloor:     s.Stability.MinIntervalFloor,
		MinIntervalCeiling:   s.Stability.MinIntervalCeiling,
		MaxInterval:          s.Stability.MaxInterval,
		MaxIntervalOnFailure: s.Stability.MaxIntervalOnFailure,
		GrowthPerError:       s.Stability.GrowthPerError,
		FailureWeight:        s.Stability.FailureWeight,
		RecoverPace:          s.Stability.RecoverPace,
		MinIntervalGrowth:    s.Stability.MinIntervalGrowth,

		MinChallenges: s.Challenges.MinChallenges,
		HaltRatio:     s.Challenges.HaltRatio,
		PrimeBits:     s.PrimeBits,
		ChallengeHash: string(s.ChallengeHash),

		RequestTimeout:    s.Transport.RequestTimeout,
		KeepAliveInterval: s.Transport.KeepAliveInterval,
		RestartCooldown:   s.Transport.RestartCooldown,
		EmptyFrameGrowth:  s.Transport.EmptyFrameGrowth,

		HeartbeatMinInterval: s.Client.HeartbeatMinInterval,
		RestartDelay:         s.Client.RestartDelay,
		CommandTimeout:       s.Client.Timeout,
		HeartbeatInterval:    s.HeartbeatInterval,
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("username", "admin")
	v.SetDefault("stability.min_interval", d.MinInterval)
	v.SetDefault("stability.min_interval_floor", d.MinIntervalFloor)
	v.SetDefault("stability.min_interval_ceiling", d.MinIntervalCeiling)
	v.SetDefault("stability.max_interval", d.MaxInterval)
	v.SetDefault("stability.max_interval_on_failure", d.MaxIntervalOnFailure)
	v.SetDefault("stability.growth_per_error", d.GrowthPerError)
	v.SetDefault("stability.failure_weight", d.FailureWeight)
	v.SetDefault("stability.recover_pace", d.RecoverPace)
	v.SetDefault("stability.min_interval_growth", d.MinIntervalGrowth)
	v.SetDefault("auth.min_challenges", d.MinChallenges)
	v.SetDefault("auth.halt_ratio", d.HaltRatio)
	v.SetDefault("auth.prime_bits", d.PrimeBits)
	v.SetDefault("auth.challenge_hash", d.ChallengeHash)
	v.SetDefault("transport.request_timeout", d.RequestTimeout)
	v.SetDefault("transport.keepalive_interval", d.KeepAliveInterval)
	v.SetDefault("transport.restart_cooldown", d.RestartCooldown)
	v.SetDefault("transport.empty_frame_growth", d.EmptyFrameGrowth)
	v.SetDefault("command.heartbeat_min_interval", d.HeartbeatMinInterval)
	v.SetDefault("command.restart_delay", d.RestartDelay)
	v.SetDefault("command.timeout", d.CommandTimeout)
	v.SetDefault("command.heartbeat_interval", d.HeartbeatInterval)
}

// Load reads Options from v. Keys v has no value for keep their defaults.
func Load(v *viper.Viper) (Options, error) {
	setDefaults(v)
	o := Options{
		Server:             strings.TrimRight(v.GetString("server"), "/"),
		Username:           v.GetString("username"),
		InsecureSkipVerify: v.GetBool("insecure"),

		MinInterval:          v.GetDuration("stability.min_interval"),
		MinIntervalFloor:     v.GetDuration("stability.min_interval_floor"),
		MinIntervalCeiling:   v.GetDuration("stability.min_interval_ceiling"),
		MaxInterval:          v.GetDuration("stability.max_interval"),
		MaxIntervalOnFailure: v.GetDuration("stability.max_interval_on_failure"),
		GrowthPerError:       v.GetFloat64("stability.growth_per_error"),
		FailureWeight:        v.GetFloat64("stability.failure_weight"),
		RecoverPace:          v.GetFloat64("stability.recover_pace"),
		MinIntervalGrowth:    v.GetFloat64("stability.min_interval_growth"),

		MinChallenges: v.GetInt("auth.min_challenges"),
		HaltRatio:     v.GetFloat64("auth.halt_ratio"),
		PrimeBits:     v.GetInt("auth.prime_bits"),
		ChallengeHash: strings.ToLower(v.GetString("auth.challenge_hash")),
		DisableChap:   v.GetBool("auth.disable_chap"),

		RequestTimeout:    v.GetDuration("transport.request_timeout"),
		KeepAliveInterval: v.GetDuration("transport.keepalive_interval"),
		RestartCooldown:   v.GetDuration("transport.restart_cooldown"),
		EmptyFrameGrowth:  v.GetFloat64("transport.empty_frame_growth"),

		HeartbeatMinInterval: v.GetDuration("command.heartbeat_min_interval"),
		RestartDelay:         v.GetDuration("command.restart_delay"),
		CommandTimeout:       v.GetDuration("command.timeout"),
		HeartbeatInterval:    v.GetDuration("command.heartbeat_interval"),
	}
	return o, o.Validate()
}

// Validate rejects settings the components cannot run with.
func (o Options) Validate() error {
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"stability.min_interval", o.MinInterval},
		{"stability.min_interval_floor", o.MinIntervalFloor},
		{"stability.min_interval_ceiling", o.MinIntervalCeiling},
		{"stability.max_interval", o.MaxInterval},
		{"stability.max_interval_on_failure", o.MaxIntervalOnFailure},
		{"transport.request_timeout", o.RequestTimeout},
		{"transport.keepalive_interval", o.KeepAliveInterval},
		{"transport.restart_cooldown", o.RestartCooldown},
		{"command.heartbeat_min_interval", o.HeartbeatMinInterval},
		{"command.restart_delay", o.RestartDelay},
		{"command.timeout", o.CommandTimeout},
		{"command.heartbeat_interval", o.HeartbeatInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}
	if o.MinIntervalFloor > o.MinIntervalCeiling {
		return fmt.Errorf("stability.min_interval_floor (%s) exceeds stability.min_interval_ceiling (%s)",
			o.MinIntervalFloor, o.MinIntervalCeiling)
	}
	if o.GrowthPerError <= 0 || o.FailureWeight <= 0 || o.RecoverPace <= 0 {
		return errors.New("stability growth, weight and pace must be positive")
	}
	if o.MinIntervalGrowth < 1 {
		return fmt.Errorf("stability.min_interval_growth must be at least 1, got %v", o.MinIntervalGrowth)
	}
	if o.EmptyFrameGrowth <= 1 {
		return fmt.Errorf("transport.empty_frame_growth must exceed 1, got %v", o.EmptyFrameGrowth)
	}
	if o.MinChallenges <= 0 {
		return fmt.Errorf("auth.min_challenges must be positive, got %d", o.MinChallenges)
	}
	if o.HaltRatio <= 0 || o.HaltRatio >= 1 {
		return fmt.Errorf("auth.halt_ratio must be in (0,1), got %v", o.HaltRatio)
	}
	if o.PrimeBits != 1024 && o.PrimeBits != 2048 {
		return fmt.Errorf("auth.prime_bits must be 1024 or 2048, got %d", o.PrimeBits)
	}
	switch auth.HashAlgorithm(o.ChallengeHash) {
	case auth.HashSHA256, auth.HashSHA512:
	default:
		return fmt.Errorf("auth.challenge_hash must be sha256 or sha512, got %q", o.ChallengeHash)
	}
	return nil
}

// Session converts o into the options a session is built from.
func (o Options) Session() session.Options {
	s := session.DefaultOptions()

	s.Stability.MinInterval = o.MinInterval
	s.Stability.MinIntervalFloor = o.MinIntervalFloor
	s.Stability.MinIntervalCeiling = o.MinIntervalCeiling
	s.Stability.MaxInterval = o.MaxInterval
	s.Stability.MaxIntervalOnFailure = o.MaxIntervalOnFailure
	s.Stability.GrowthPerError = o.GrowthPerError
	s.Stability.FailureWeight = o.FailureWeight
	s.Stability.RecoverPace = o.RecoverPace
	s.Stability.MinIntervalGrowth = o.MinIntervalGrowth

	s.Challenges.MinChallenges = o.MinChallenges
	s.Challenges.HaltRatio = o.HaltRatio
	s.PrimeBits = o.PrimeBits
	s.ChallengeHash = auth.HashAlgorithm(o.ChallengeHash)
	s.DisableChap = o.DisableChap

	s.Transport.RequestTimeout = o.RequestTimeout
	s.Transport.KeepAliveInterval = o.KeepAliveInterval
	s.Transport.RestartCooldown = o.RestartCooldown
	s.Transport.EmptyFrameGrowth = o.EmptyFrameGrowth
	s.Transport.InsecureSkipVerify = o.InsecureSkipVerify

	s.Client.BaseURL = o.Server
	s.Client.InsecureSkipVerify = o.InsecureSkipVerify
	s.Client.HeartbeatMinInterval = o.HeartbeatMinInterval
	s.Client.RestartDelay = o.RestartDelay
	s.Client.Timeout = o.CommandTimeout
	s.HeartbeatInterval = o.HeartbeatInterval
	return s
}
