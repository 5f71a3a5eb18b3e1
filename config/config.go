package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

const (
	SchemeSemiSpace = "semispace"
	SchemeGenSS     = "genss"
)

// Config holds every heap option. The zero value is not usable; start from
// Default or Load.
type Config struct {
	Scheme      string   `toml:"scheme" yaml:"scheme" validate:"oneof=semispace genss"`
	InitialSize ByteSize `toml:"initial_size" yaml:"initial_size" validate:"required"`
	MaxSize     ByteSize `toml:"max_size" yaml:"max_size" validate:"required,gtefield=InitialSize"`
	PageSize    ByteSize `toml:"page_size" yaml:"page_size" validate:"required"`

	UseTLAB  bool     `toml:"use_tlab" yaml:"use_tlab"`
	TLABSize ByteSize `toml:"tlab_size" yaml:"tlab_size" validate:"required_if=UseTLAB true"`

	// SafetyZoneSize is held back below the allocation limit and handed out
	// once the heap has run out of memory.
	SafetyZoneSize ByteSize `toml:"safety_zone_size" yaml:"safety_zone_size"`
	GrowPolicy     string   `toml:"grow_policy" yaml:"grow_policy" validate:"oneof=double linear none"`
	GrowIncrement  ByteSize `toml:"grow_increment" yaml:"grow_increment"`

	YoungGenPercent     int `toml:"young_gen_percent" yaml:"young_gen_percent" validate:"min=5,max=95"`
	MinSurvivingPercent int `toml:"min_surviving_percent" yaml:"min_surviving_percent" validate:"min=0,max=100"`

	VerifyReferences   bool `toml:"verify_references" yaml:"verify_references"`
	ZapFromSpace       bool `toml:"zap_from_space" yaml:"zap_from_space"`
	GCBeforeAllocation bool `toml:"gc_before_allocation" yaml:"gc_before_allocation"`
	DisableExplicitGC  bool `toml:"disable_explicit_gc" yaml:"disable_explicit_gc"`

	Verbose   bool `toml:"verbose" yaml:"verbose"`
	LogPhases bool `toml:"log_phases" yaml:"log_phases"`
	LogTime   bool `toml:"log_time" yaml:"log_time"`

	EventBuffer int `toml:"event_buffer" yaml:"event_buffer" validate:"min=1"`

	Admin  Admin  `toml:"admin" yaml:"admin"`
	Events Events `toml:"events" yaml:"events"`
}

type Admin struct {
	Addr string `toml:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
	// H2C serves cleartext HTTP/2 next to HTTP/1.1.
	H2C bool `toml:"h2c" yaml:"h2c"`
	// GCLimit explicit collections are accepted per GCWindow.
	GCLimit  int      `toml:"gc_limit" yaml:"gc_limit" validate:"min=0"`
	GCWindow Duration `toml:"gc_window" yaml:"gc_window"`
}

// Events configures the optional redis stream GC events are copied to.
type Events struct {
	RedisAddr string `toml:"redis_addr" yaml:"redis_addr" validate:"omitempty,hostname_port"`
	Stream    string `toml:"stream" yaml:"stream" validate:"required_with=RedisAddr"`
	MaxLen    int64  `toml:"max_len" yaml:"max_len" validate:"min=0"`
}

func Default() Config {
	return Config{
		Scheme:              SchemeSemiSpace,
		InitialSize:         4 * MB,
		MaxSize:             64 * MB,
		PageSize:            4 * KB,
		UseTLAB:             true,
		TLABSize:            64 * KB,
		SafetyZoneSize:      6 * KB,
		GrowPolicy:          "double",
		YoungGenPercent:     30,
		MinSurvivingPercent: 10,
		EventBuffer:         256,
		Admin: Admin{
			GCLimit:  10,
			GCWindow: Duration(time.Second),
		},
		Events: Events{
			Stream: "gengc:events",
			MaxLen: 10000,
		},
	}
}

// Option adjusts a Config.
type Option func(*Config)

func WithScheme(scheme string) Option {
	return func(c *Config) {
		c.Scheme = scheme
	}
}

// WithSize sets the initial and maximum heap size.
func WithSize(initial, max ByteSize) Option {
	return func(c *Config) {
		c.InitialSize = initial
		c.MaxSize = max
	}
}

func WithPageSize(size ByteSize) Option {
	return func(c *Config) {
		c.PageSize = size
	}
}

// WithTLAB turns thread local allocation on with the given buffer size, or
// off when size is zero.
func WithTLAB(size ByteSize) Option {
	return func(c *Config) {
		c.UseTLAB = size != 0
		c.TLABSize = size
	}
}

func WithSafetyZone(size ByteSize) Option {
	return func(c *Config) {
		c.SafetyZoneSize = size
	}
}

// WithGrowPolicy selects "double", "linear" or "none". increment is used by
// the linear policy.
func WithGrowPolicy(name string, increment ByteSize) Option {
	return func(c *Config) {
		c.GrowPolicy = name
		c.GrowIncrement = increment
	}
}

func WithYoungGenPercent(p int) Option {
	return func(c *Config) {
		c.YoungGenPercent = p
	}
}

// WithVerification verifies references before and after every collection
// and fills evacuated space with a zap pattern.
func WithVerification() Option {
	return func(c *Config) {
		c.VerifyReferences = true
		c.ZapFromSpace = true
	}
}

func WithGCBeforeAllocation() Option {
	return func(c *Config) {
		c.GCBeforeAllocation = true
	}
}

func WithoutExplicitGC() Option {
	return func(c *Config) {
		c.DisableExplicitGC = true
	}
}

func WithVerbose(phases, timing bool) Option {
	return func(c *Config) {
		c.Verbose = true
		c.LogPhases = phases
		c.LogTime = timing
	}
}

func WithAdmin(addr string) Option {
	return func(c *Config) {
		c.Admin.Addr = addr
	}
}

func WithRedisEvents(addr, stream string) Option {
	return func(c *Config) {
		c.Events.RedisAddr = addr
		c.Events.Stream = stream
	}
}

// New returns the default configuration with options applied.
func New(options ...Option) Config {
	c := Default()
	for _, o := range options {
		o(&c)
	}
	return c
}

var validate = validator.New()

// Validate checks field rules and the relations between sizes.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("config: page size %s is not a power of two", c.PageSize)
	}
	if c.UseTLAB && c.TLABSize%8 != 0 {
		return fmt.Errorf("config: tlab size %s is not word aligned", c.TLABSize)
	}
	if c.SafetyZoneSize%8 != 0 {
		return fmt.Errorf("config: safety zone %s is not word aligned", c.SafetyZoneSize)
	}
	if c.Scheme == SchemeSemiSpace && c.SafetyZoneSize >= c.InitialSize/2 {
		return fmt.Errorf("config: safety zone %s does not fit a %s semi-space", c.SafetyZoneSize, c.InitialSize/2)
	}
	return nil
}

// Load reads a TOML or YAML file over the defaults, applies options and
// validates the result.
func Load(path string, options ...Option) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&c)
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(data, &c)
	default:
		return c, fmt.Errorf("config: unknown format %q", filepath.Ext(path))
	}
	if err != nil {
		return c, fmt.Errorf("config: %s: %w", path, err)
	}
	for _, o := range options {
		o(&c)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
