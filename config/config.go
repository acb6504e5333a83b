package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = newViper()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

// newViper returns a viper instance with defaults, environment binding and
// config search paths set up, before any file is read.
func newViper() *viper.Viper {
	v := viper.New()

	// Set default values
	v.SetDefault("output.dir", defaultOutputDir())
	v.SetDefault("output.format", "mp4")

	v.SetDefault("capture.fps", 30)
	v.SetDefault("capture.duration", "0s") // 0 records until stopped

	v.SetDefault("audio.sample_rate", 0) // 0 keeps the device rate
	v.SetDefault("audio.max_consecutive_failures", 1000)

	v.SetDefault("video.cache_max_bytes", 32<<20)

	v.SetDefault("sink.jpeg_quality", 80)
	v.SetDefault("sink.fragment_duration", "1s")

	v.SetDefault("watchdog.max_iterations", 2000)
	v.SetDefault("watchdog.unlimited_ceiling", "60s")
	v.SetDefault("watchdog.max_rss_mb", 0)

	v.SetDefault("shutdown.stop_timeout", "1s")
	v.SetDefault("shutdown.signal_grace", "5s")
	v.SetDefault("shutdown.emergency_timeout", "5m")

	v.SetDefault("log.file", "")

	// Environment variables: MUXSW_CAPTURE_FPS, MUXSW_OUTPUT_DIR, ...
	v.SetEnvPrefix("MUXSW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "muxsw"),
		"/etc/muxsw",
	}

	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}
	return v
}

func defaultOutputDir() string {
	if dir := xdg.UserDirs.Videos; dir != "" {
		return dir
	}
	return "."
}

// GetOutputDir returns the directory for recordings without an explicit path.
func GetOutputDir() string {
	return v.GetString("output.dir")
}

// GetOutputFormat returns the default container format.
func GetOutputFormat() string {
	return v.GetString("output.format")
}

func GetFPS() int {
	return v.GetInt("capture.fps")
}

// GetDuration returns the default recording length, 0 for unlimited.
func GetDuration() time.Duration {
	return getDuration("capture.duration", 0)
}

// GetSampleRate returns the declared audio output rate, 0 for the device rate.
func GetSampleRate() int {
	return v.GetInt("audio.sample_rate")
}

func GetMaxAudioFailures() int {
	return v.GetInt("audio.max_consecutive_failures")
}

// GetFrameCacheBytes returns the frame cache limit. Negative disables the cache.
func GetFrameCacheBytes() int {
	return v.GetInt("video.cache_max_bytes")
}

func GetJPEGQuality() int {
	return v.GetInt("sink.jpeg_quality")
}

func GetFragmentDuration() time.Duration {
	return getDuration("sink.fragment_duration", time.Second)
}

func GetMaxIterations() int {
	return v.GetInt("watchdog.max_iterations")
}

func GetUnlimitedCeiling() time.Duration {
	return getDuration("watchdog.unlimited_ceiling", 60 * time.Second)
}

// GetMaxRSSBytes returns the process memory ceiling in bytes, 0 when disabled.
func GetMaxRSSBytes() uint64 {
	mb := v.GetInt64("watchdog.max_rss_mb")
	if mb <= 0 {
		return 0
	}
	return uint64(mb) << 20
}

func GetStopTimeout() time.Duration {
	return getDuration("shutdown.stop_timeout", time.Second)
}

func GetSignalGrace() time.Duration {
	return getDuration("shutdown.signal_grace", 5 * time.Second)
}

// GetEmergencyTimeout returns the hard limit on a session, 0 when disabled.
func GetEmergencyTimeout() time.Duration {
	return getDuration("shutdown.emergency_timeout", 5 * time.Minute)
}

// GetLogFile returns the log file path, empty for console logging.
func GetLogFile() string {
	return v.GetString("log.file")
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// ParseDuration reads a duration the way users write it on the command line:
// a bare integer is a number of seconds, anything else is a Go duration
// string such as "90s" or "1m30s". Negative values are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return 0, errors.Errorf("invalid duration %q", s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// getDuration reads key with ParseDuration, falling back to fallback when
// the value cannot be parsed.
func getDuration(key string, fallback time.Duration) time.Duration {
	raw := v.GetString(key)
	d, err := ParseDuration(raw)
	if err != nil {
		slog.Warn("Invalid duration in configuration, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

// AllSettings returns the effective configuration as a nested map.
func AllSettings() map[string]interface{} {
	settings := make(map[string]interface{})
	for _, key := range v.AllKeys() {
		setNested(settings, strings.Split(key, "."), v.Get(key))
	}
	return settings
}

func setNested(m map[string]interface{}, path []string, value interface{}) {
	for _, part := range path[:len(path)-1] {
		child, ok := m[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			m[part] = child
		}
		m = child
	}
	m[path[len(path)-1]] = value
}
