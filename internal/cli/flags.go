package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/catatsuy/mcdemo/internal/scenario"
)

const envPrefix = "MCDEMO"

type options struct {
	host        string
	port        int
	key         string
	value       string
	missingKey  string
	timeout     time.Duration
	local       bool
	ping        bool
	verbose     bool
	showVersion bool
}

// parseFlags resolves options from flags, MCDEMO_* environment variables and
// an optional config file, in that order of precedence.
func parseFlags(args []string, output io.Writer) (options, error) {
	defaults := scenario.DefaultOptions()

	fs := pflag.NewFlagSet("mcdemo", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.String("host", "127.0.0.1", "memcached host")
	fs.Int("port", 11211, "memcached port")
	fs.String("key", defaults.Key, "key to store, read back and delete")
	fs.String("value", defaults.Value, "value to store")
	fs.String("missing-key", defaults.MissingKey, "key that is expected to be absent")
	fs.Duration("timeout", 500*time.Millisecond, "socket read/write timeout")
	fs.Bool("local", false, "start an in-process server on host:port and run against it")
	fs.Bool("ping", false, "check the server answers before running")
	fs.BoolP("verbose", "v", false, "verbose logging")
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return options{}, err
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return options{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	opt := options{
		host:        v.GetString("host"),
		port:        v.GetInt("port"),
		key:         v.GetString("key"),
		value:       v.GetString("value"),
		missingKey:  v.GetString("missing-key"),
		timeout:     v.GetDuration("timeout"),
		local:       v.GetBool("local"),
		ping:        v.GetBool("ping"),
		verbose:     v.GetBool("verbose"),
		showVersion: v.GetBool("version"),
	}
	if opt.timeout < 0 {
		return options{}, fmt.Errorf("timeout must not be negative: %s", opt.timeout)
	}
	return opt, nil
}
