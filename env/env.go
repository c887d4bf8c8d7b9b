// Package env reads dotenv files and resolves command line settings that may
// also come from the environment.
package env

import (
	"os"
	"strings"

	"github.com/bottomline/reportcache/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses a dotenv file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []EnvLine{}, nil
		}
		return nil, errors.Wrapf(err, "read %s", filename)
	}
	return ParseEnvBuffer(buf), nil
}

func dequote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// ProcessEnvLine splits KEY=value, strips an optional export keyword and
// surrounding quotes.
func ProcessEnvLine(line string) EnvLine {
	line = strings.TrimPrefix(strings.TrimSpace(line), "export ")
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return EnvLine{Key: strings.TrimSpace(line)}
	}
	return EnvLine{Key: strings.TrimSpace(key), Val: dequote(strings.TrimSpace(val))}
}

// interpolate replaces ${NAME} and ${NAME:-default} with values from vars,
// falling back to the process environment. Unresolved references without a
// default are kept verbatim.
func interpolate(input string, vars map[string]string) string {
	var out strings.Builder
	for {
		start := strings.Index(input, "${")
		if start < 0 {
			out.WriteString(input)
			return out.String()
		}
		end := strings.IndexByte(input[start:], '}')
		if end < 0 {
			out.WriteString(input)
			return out.String()
		}
		end += start
		out.WriteString(input[:start])
		ref := input[start : end+1]
		name, def, _ := strings.Cut(input[start+2:end], ":-")
		val, ok := vars[name]
		if !ok || val == "" {
			val = os.Getenv(name)
		}
		switch {
		case name == "":
			out.WriteString(ref)
		case val != "":
			out.WriteString(val)
		case def != "":
			out.WriteString(def)
		default:
			out.WriteString(ref)
		}
		input = input[end+1:]
	}
}

// ParseEnvBuffer parses dotenv content. Blank lines and # comments are
// skipped and values may reference earlier keys.
func ParseEnvBuffer(buf []byte) []EnvLine {
	envs := make([]EnvLine, 0)
	vars := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		el := ProcessEnvLine(line)
		if el.Key == "" {
			continue
		}
		el.Val = interpolate(el.Val, vars)
		vars[el.Key] = el.Val
		envs = append(envs, el)
	}
	return envs
}

// Load sets variables from a dotenv file without overriding variables that
// are already set. A missing file is not an error.
func Load(filename string) error {
	lines, err := ParseEnvFile(filename)
	if err != nil {
		return err
	}
	for _, el := range lines {
		if _, ok := os.LookupEnv(el.Key); ok {
			continue
		}
		if err := os.Setenv(el.Key, el.Val); err != nil {
			return errors.Wrapf(err, "set %s", el.Key)
		}
	}
	return nil
}

// FlagOrEnv returns the flag value if set, then the environment variable,
// then defaultValue.
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

func LogLevel(cmd *cobra.Command, fallback string) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, fallback), logger.LevelInfo)
}

// NewLogger builds the logger selected by the --log-format and --log-level
// flags or their environment variables, falling back to the given defaults.
func NewLogger(cmd *cobra.Command, format, level string) logger.Logger {
	return logger.New(FlagOrEnv(cmd, "log-format", "REPORTCACHE_LOG_FORMAT", format), LogLevel(cmd, level))
}
