// Package config loads the daemon configuration from a YAML file.
// Durations are written in Go notation ("30s", "1m30s") and validated
// at load time, so a daemon never starts on a config it cannot honor.
package config

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/scmfs/scmfs/pkg/mount"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

// MountConfiguration describes one working copy served by the daemon.
type MountConfiguration struct {
	// Name identifies the mount in logs and diagnostics.
	Name string `yaml:"name"`
	// MountPath is where the working copy appears in the host
	// filesystem.
	MountPath string `yaml:"mountPath"`
	// ClientPath is the daemon-private state directory of the mount,
	// holding its overlay database.
	ClientPath string `yaml:"clientPath"`
	// Parent is the commit the working copy starts out on. Ignored
	// once the overlay carries a parent record.
	Parent string `yaml:"parent"`
}

// Configuration is the daemon's full configuration.
type Configuration struct {
	// SocketPath is the daemon's client service socket.
	SocketPath string `yaml:"socketPath"`
	// TakeoverSocketPath is where a predecessor daemon offers its
	// state during graceful restart.
	TakeoverSocketPath string `yaml:"takeoverSocketPath"`
	// DiagnosticsAddress is the listen address of the HTTP
	// diagnostics server.
	DiagnosticsAddress string `yaml:"diagnosticsAddress"`
	// ObjectStorePath is the local object database.
	ObjectStorePath string `yaml:"objectStorePath"`

	// FuseRequestTimeout is how long a kernel request may be serviced
	// before an early ETIMEDOUT reply is sent. Empty disables the
	// timeout.
	FuseRequestTimeout string `yaml:"fuseRequestTimeout"`
	// NumFuseThreads bounds request processing parallelism per
	// mount. Zero keeps the kernel default.
	NumFuseThreads int `yaml:"numFuseThreads"`
	// MaximumInFlightRequests bounds concurrently serviced requests
	// per mount.
	MaximumInFlightRequests int64 `yaml:"maximumInFlightRequests"`
	// HighRequestLogInterval rate limits the log message emitted when
	// the in-flight bound is hit.
	HighRequestLogInterval string `yaml:"highRequestLogInterval"`
	// WriteBackCacheEnabled buffers file writes in memory until they
	// are flushed or unloaded. When disabled every write is persisted
	// to the overlay immediately.
	WriteBackCacheEnabled bool `yaml:"writeBackCacheEnabled"`
	// TraceBusCapacity is the per-subscriber buffer of the
	// completed-request trace bus.
	TraceBusCapacity int `yaml:"traceBusCapacity"`
	// CheckoutFailurePolicy is either "preserve" or "reset".
	CheckoutFailurePolicy string `yaml:"checkoutFailurePolicy"`

	// Mounts are the working copies to serve.
	Mounts []MountConfiguration `yaml:"mounts"`
}

// Default returns the configuration a daemon runs with when the config
// file leaves a key unset.
func Default() *Configuration {
	return &Configuration{
		SocketPath:              "/run/scmfsd/socket",
		TakeoverSocketPath:      "/run/scmfsd/takeover",
		DiagnosticsAddress:      "localhost:9980",
		FuseRequestTimeout:      "60s",
		MaximumInFlightRequests: 1000,
		HighRequestLogInterval:  "10s",
		WriteBackCacheEnabled:   true,
		CheckoutFailurePolicy:   "preserve",
	}
}

// Load reads the configuration file at path on top of the defaults.
func Load(path string) (*Configuration, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to read configuration file %#v", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to parse configuration file %#v", path)
	}
	if err := c.Validate(); err != nil {
		return nil, util.StatusWrapf(err, "Invalid configuration file %#v", path)
	}
	return c, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Key %#v has invalid duration %#v", key, value)
	}
	if d < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Key %#v has negative duration %#v", key, value)
	}
	return d, nil
}

// Validate checks all values that are parsed lazily, so that errors
// surface at startup instead of at first use.
func (c *Configuration) Validate() error {
	if _, err := parseDuration("fuseRequestTimeout", c.FuseRequestTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("highRequestLogInterval", c.HighRequestLogInterval); err != nil {
		return err
	}
	if c.NumFuseThreads < 0 {
		return status.Errorf(codes.InvalidArgument, "Key \"numFuseThreads\" must not be negative")
	}
	if c.MaximumInFlightRequests < 0 {
		return status.Errorf(codes.InvalidArgument, "Key \"maximumInFlightRequests\" must not be negative")
	}
	if c.TraceBusCapacity < 0 {
		return status.Errorf(codes.InvalidArgument, "Key \"traceBusCapacity\" must not be negative")
	}
	if _, err := c.GetCheckoutFailurePolicy(); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, m := range c.Mounts {
		if m.Name == "" || m.MountPath == "" || m.ClientPath == "" {
			return status.Errorf(codes.InvalidArgument, "Every mount needs a name, a mountPath and a clientPath")
		}
		if _, ok := seen[m.Name]; ok {
			return status.Errorf(codes.InvalidArgument, "Mount name %#v is used more than once", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

// GetFuseRequestTimeout returns the parsed request timeout.
func (c *Configuration) GetFuseRequestTimeout() time.Duration {
	d, _ := parseDuration("fuseRequestTimeout", c.FuseRequestTimeout)
	return d
}

// GetHighRequestLogInterval returns the parsed high watermark log
// interval.
func (c *Configuration) GetHighRequestLogInterval() time.Duration {
	d, _ := parseDuration("highRequestLogInterval", c.HighRequestLogInterval)
	return d
}

// GetCheckoutFailurePolicy maps the configured policy name to the mount
// package's type.
func (c *Configuration) GetCheckoutFailurePolicy() (mount.CheckoutFailurePolicy, error) {
	switch c.CheckoutFailurePolicy {
	case "", "preserve":
		return mount.CheckoutFailurePreserve, nil
	case "reset":
		return mount.CheckoutFailureReset, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "Key \"checkoutFailurePolicy\" must be \"preserve\" or \"reset\", not %#v", c.CheckoutFailurePolicy)
	}
}

// Reloadable hands out the current configuration and can swap it for a
// newly loaded one without coordinating with readers. Fields that only
// take effect at mount creation keep their old values for existing
// mounts; readers must not cache the pointer across operations if they
// want to observe reloads.
type Reloadable struct {
	path    string
	current atomic.Pointer[Configuration]
}

// NewReloadable loads the configuration file and remembers its path for
// later reloads.
func NewReloadable(path string) (*Reloadable, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	r := &Reloadable{path: path}
	r.current.Store(c)
	return r, nil
}

// Get returns the currently active configuration. The returned value is
// immutable.
func (r *Reloadable) Get() *Configuration {
	return r.current.Load()
}

// Reload re-reads the configuration file. On error the previous
// configuration stays active.
func (r *Reloadable) Reload() error {
	c, err := Load(r.path)
	if err != nil {
		return err
	}
	r.current.Store(c)
	return nil
}
