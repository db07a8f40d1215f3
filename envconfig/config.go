package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/ism/logutil"
)

const defaultRunnerPort = "11500"

var ErrInvalidHostPort = errors.New("invalid port specified in ISM_RUNNER_HOST")

var (
	// Set via ISM_DEBUG in the environment
	Debug bool
	// Set via ISM_LOG_LEVEL in the environment, overrides Debug
	Level string
	// Set via ISM_LOG_FORMAT in the environment
	Format logutil.Format
	// Set via ISM_VIS_DIR in the environment
	VisDir string
	// Set via ISM_RUNNER_HOST in the environment
	RunnerHost string
	// Set via ISM_NOISE_SEED in the environment
	NoiseSeed uint64
	// Whether ISM_NOISE_SEED was set
	NoiseSeedSet bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ISM_DEBUG":       {"ISM_DEBUG", Debug, "Show additional debug information (e.g. ISM_DEBUG=1)"},
		"ISM_LOG_LEVEL":   {"ISM_LOG_LEVEL", Level, "Log level: trace, debug, info, warn or error"},
		"ISM_LOG_FORMAT":  {"ISM_LOG_FORMAT", Format, "Log format: text or json (default text)"},
		"ISM_VIS_DIR":     {"ISM_VIS_DIR", VisDir, "Directory for diagnostic strips (default \"vis\")"},
		"ISM_RUNNER_HOST": {"ISM_RUNNER_HOST", RunnerHost, "Address of the noise predictor runner (default 127.0.0.1:11500)"},
		"ISM_NOISE_SEED":  {"ISM_NOISE_SEED", NoiseSeed, "Seed of the guidance noise generator"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := clean("ISM_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	Level = clean("ISM_LOG_LEVEL")

	Format = logutil.FormatText
	if f := clean("ISM_LOG_FORMAT"); strings.EqualFold(f, string(logutil.FormatJSON)) {
		Format = logutil.FormatJSON
	}

	VisDir = clean("ISM_VIS_DIR")
	if VisDir == "" {
		VisDir = "vis"
	}

	RunnerHost = clean("ISM_RUNNER_HOST")

	NoiseSeed, NoiseSeedSet = 0, false
	if seed := clean("ISM_NOISE_SEED"); seed != "" {
		s, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "ISM_NOISE_SEED", seed, "error", err)
		} else {
			NoiseSeed, NoiseSeedSet = s, true
		}
	}
}

// LogLevel resolves ISM_LOG_LEVEL, falling back to DEBUG when ISM_DEBUG is set
// and INFO otherwise.
func LogLevel() slog.Level {
	if Level != "" {
		level, err := logutil.ParseLevel(Level)
		if err == nil {
			return level
		}
		slog.Error("invalid setting, ignoring", "ISM_LOG_LEVEL", Level, "error", err)
	}
	if Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Runner returns the host:port of the runner, filling in the default address
// and port.
func Runner() (string, error) {
	hostport := RunnerHost
	if hostport == "" {
		return net.JoinHostPort("127.0.0.1", defaultRunnerPort), nil
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, defaultRunnerPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return "", ErrInvalidHostPort
	}
	return net.JoinHostPort(host, port), nil
}
