// Package config loads the settings of each census process.
//
// Values come from, in increasing priority: built-in defaults, an optional
// YAML file named by --config, CENSUS_* environment variables and command
// line flags. Keys use underscores in files (worker_timeout), upper case
// in the environment (CENSUS_WORKER_TIMEOUT) and dashes on the command
// line (--worker-timeout). Durations are written as "500ms" or "2s".
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/exp/slices"

	"github.com/dreamware/census/internal/cluster"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

const (
	DefaultRouterPort = 23000
	DefaultWorkerPort = 23001
	envPrefix         = "CENSUS"
)

// DefaultWorkers are the worker addresses a router uses when none are
// configured.
var DefaultWorkers = []string{"127.0.0.1:23001", "127.0.0.1:23002"}

// Common holds settings shared by the serving roles.
type Common struct {
	Host        string  `mapstructure:"host"`
	Port        int     `mapstructure:"port"`
	LogLevel    string  `mapstructure:"log_level"`
	LogFormat   string  `mapstructure:"log_format"`
	Metrics     string  `mapstructure:"metrics"`
	MaxInFlight int     `mapstructure:"max_in_flight"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	RateBurst   int     `mapstructure:"rate_burst"`
}

// ListenAddr is the host:port to bind.
func (c Common) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MinIO locates shard files in an S3-compatible bucket.
type MinIO struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Secure    bool   `mapstructure:"secure"`
}

// Worker configures cmd/worker.
type Worker struct {
	Common  `mapstructure:",squash"`
	Group   string `mapstructure:"group"`
	DataDir string `mapstructure:"data_dir"`
	MinIO   MinIO  `mapstructure:"minio"`

	// ParsedGroup is Group after validation.
	ParsedGroup cluster.Group `mapstructure:"-"`
}

// Router configures cmd/router.
type Router struct {
	Common             `mapstructure:",squash"`
	Workers            []string      `mapstructure:"workers"`
	WorkerTimeout      time.Duration `mapstructure:"worker_timeout"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`
	Retries            int           `mapstructure:"retries"`
	MaxConcurrentSends int           `mapstructure:"max_concurrent_sends"`
	AllowPartial       bool          `mapstructure:"allow_partial"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
}

// Client configures cmd/client.
type Client struct {
	Addr           string        `mapstructure:"addr"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Retries        int           `mapstructure:"retries"`
}

// Target is the address the client sends to: Addr when set, otherwise
// the given port on loopback.
func (c Client) Target() string {
	if c.Addr != "" {
		return c.Addr
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port))
}

// LoadWorker parses args (without the program name) into a Worker config.
func LoadWorker(args []string) (*Worker, error) {
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	commonFlags(fs, DefaultWorkerPort)
	fs.StringP("group", "g", "", "shard group to serve (am or nz)")
	fs.String("data-dir", ".", "directory holding data-<group>.json")
	fs.String("minio-endpoint", "", "load the shard from this S3-compatible endpoint instead of data-dir")
	fs.String("minio-bucket", "", "bucket holding shard files")
	fs.String("minio-prefix", "", "key prefix of shard files")
	fs.String("minio-access-key", "", "access key")
	fs.String("minio-secret-key", "", "secret key")
	fs.Bool("minio-secure", false, "use TLS towards the endpoint")

	var cfg Worker
	if _, err := load(fs, args, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadRouter parses args (without the program name) into a Router config.
func LoadRouter(args []string) (*Router, error) {
	fs := pflag.NewFlagSet("router", pflag.ContinueOnError)
	commonFlags(fs, DefaultRouterPort)
	fs.StringSliceP("workers", "w", DefaultWorkers, "worker addresses in attach order")
	fs.Duration("worker-timeout", 2*time.Second, "deadline for one worker exchange, retries included")
	fs.Duration("attempt-timeout", 500*time.Millisecond, "wait for a worker reply per send")
	fs.Int("retries", 2, "resends to a worker that does not answer")
	fs.Int("max-concurrent-sends", 0, "workers contacted at once; 1 is sequential, 0 is all")
	fs.Bool("allow-partial", false, "answer with the replies received when some workers fail")
	fs.Duration("health-interval", 0, "probe workers on this interval; 0 disables probes")

	var cfg Router
	if _, err := load(fs, args, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient parses args (without the program name) into a Client config
// and returns the remaining positional arguments.
func LoadClient(args []string) (*Client, []string, error) {
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.StringP("addr", "a", "", "router or worker address (overrides --port)")
	fs.IntP("port", "p", DefaultRouterPort, "port on 127.0.0.1 to send to")
	fs.String("log-level", "warn", "debug, info, warn or error")
	fs.String("log-format", "console", "json or console")
	fs.Duration("attempt-timeout", time.Second, "wait for a reply per send")
	fs.Int("retries", 2, "resends when no reply arrives")

	var cfg Client
	if _, err := load(fs, args, &cfg); err != nil {
		return nil, nil, err
	}
	if cfg.Addr == "" {
		if err := checkPort(cfg.Port); err != nil {
			return nil, nil, err
		}
	} else if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, nil, fmt.Errorf("%w: addr %q: %v", ErrInvalid, cfg.Addr, err)
	}
	if cfg.AttemptTimeout <= 0 {
		return nil, nil, fmt.Errorf("%w: attempt_timeout must be positive", ErrInvalid)
	}
	if cfg.Retries < 0 {
		return nil, nil, fmt.Errorf("%w: retries must not be negative", ErrInvalid)
	}
	return &cfg, fs.Args(), nil
}

func commonFlags(fs *pflag.FlagSet, port int) {
	fs.String("config", "", "YAML config file")
	fs.String("host", "0.0.0.0", "address to bind")
	fs.IntP("port", "p", port, "UDP port to bind")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "json", "json or console")
	fs.String("metrics", "inmem", `metrics sink: "inmem", "none" or a sink URL such as statsd://host:8125`)
	fs.Int("max-in-flight", 64, "requests handled at once; 1 is sequential")
	fs.Float64("rate-limit", 0, "datagrams accepted per second; 0 is unlimited")
	fs.Int("rate-burst", 0, "datagrams accepted in a burst above rate-limit")
}

// load parses flags, binds every flag to its viper key and decodes the
// merged settings into out.
func load(fs *pflag.FlagSet, args []string, out any) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(keyFor(f.Name), f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("config: bind flags: %w", bindErr)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return v, nil
}

// keyFor maps a flag name to its config key: "minio-bucket" becomes
// "minio.bucket" and "worker-timeout" becomes "worker_timeout".
func keyFor(flag string) string {
	if rest, ok := strings.CutPrefix(flag, "minio-"); ok {
		return "minio." + strings.ReplaceAll(rest, "-", "_")
	}
	return strings.ReplaceAll(flag, "-", "_")
}

func checkPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, port)
	}
	return nil
}

func (c Common) validate() error {
	if err := checkPort(c.Port); err != nil {
		return err
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("%w: max_in_flight must be at least 1", ErrInvalid)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("%w: rate_limit and rate_burst must not be negative", ErrInvalid)
	}
	return nil
}

func (c *Worker) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	g, err := cluster.ParseGroup(c.Group)
	if err != nil {
		return fmt.Errorf("%w: group %q: %w", ErrInvalid, c.Group, err)
	}
	c.ParsedGroup = g
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		return fmt.Errorf("%w: minio.bucket is required with minio.endpoint", ErrInvalid)
	}
	return nil
}

func (c *Router) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("%w: at least one worker is required", ErrInvalid)
	}
	for i, w := range c.Workers {
		w = strings.TrimSpace(w)
		if _, _, err := net.SplitHostPort(w); err != nil {
			return fmt.Errorf("%w: worker %q: %v", ErrInvalid, w, err)
		}
		c.Workers[i] = w
	}
	sorted := slices.Clone(c.Workers)
	slices.Sort(sorted)
	if len(slices.Compact(sorted)) != len(c.Workers) {
		return fmt.Errorf("%w: duplicate worker in %v", ErrInvalid, c.Workers)
	}
	if c.WorkerTimeout <= 0 || c.AttemptTimeout <= 0 {
		return fmt.Errorf("%w: worker_timeout and attempt_timeout must be positive", ErrInvalid)
	}
	if c.Retries < 0 || c.MaxConcurrentSends < 0 || c.HealthInterval < 0 {
		return fmt.Errorf("%w: retries, max_concurrent_sends and health_interval must not be negative", ErrInvalid)
	}
	return nil
}
