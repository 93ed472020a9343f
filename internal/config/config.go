// Package config loads service settings from defaults, XPERT_* environment
// variables and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"xpertsphere.io/internal/auth"
)

// Realm holds the settings of one external identity realm.
type Realm struct {
	Issuer    string
	Audience  string
	JWKSURL   string
	ClockSkew time.Duration
}

// Enabled reports whether the realm is configured.
func (r Realm) Enabled() bool { return strings.TrimSpace(r.Issuer) != "" }

// Config holds runtime settings of the API server.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	DSN      string

	SigningKey string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	B2B Realm
	B2C Realm

	GroupMappingsPath   string
	PreserveManualRoles bool

	RateLimitRPS   float64
	RateLimitBurst int
	RedisAddr      string
	// TrustedProxies lists peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// LoadDefaults populates c with defaults.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8080"
	c.GRPCAddr = ":9090"
	c.Issuer = "xpertsphere"
	c.Audience = "xpertsphere-api"
	c.ClockSkew = 30 * time.Second
	c.AccessTTL = 15 * time.Minute
	c.RefreshTTL = 14 * 24 * time.Hour
	c.B2B.ClockSkew = time.Minute
	c.B2C.ClockSkew = time.Minute
	c.RateLimitRPS = 5
	c.RateLimitBurst = 10
}

// Load builds a Config from defaults, getenv and args. getenv defaults to os.Getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.applyFlags(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("XPERT_HTTP_ADDR", &c.HTTPAddr)
	str("XPERT_GRPC_ADDR", &c.GRPCAddr)
	if strings.EqualFold(c.GRPCAddr, "off") {
		c.GRPCAddr = ""
	}
	str("XPERT_PG_DSN", &c.DSN)
	str("XPERT_SIGNING_KEY", &c.SigningKey)
	str("XPERT_TOKEN_ISSUER", &c.Issuer)
	str("XPERT_TOKEN_AUDIENCE", &c.Audience)
	dur("XPERT_CLOCK_SKEW", &c.ClockSkew)
	dur("XPERT_ACCESS_TTL", &c.AccessTTL)
	dur("XPERT_REFRESH_TTL", &c.RefreshTTL)

	str("XPERT_B2B_ISSUER", &c.B2B.Issuer)
	str("XPERT_B2B_AUDIENCE", &c.B2B.Audience)
	str("XPERT_B2B_JWKS_URL", &c.B2B.JWKSURL)
	dur("XPERT_B2B_CLOCK_SKEW", &c.B2B.ClockSkew)
	str("XPERT_B2C_ISSUER", &c.B2C.Issuer)
	str("XPERT_B2C_AUDIENCE", &c.B2C.Audience)
	str("XPERT_B2C_JWKS_URL", &c.B2C.JWKSURL)
	dur("XPERT_B2C_CLOCK_SKEW", &c.B2C.ClockSkew)

	str("XPERT_GROUP_MAPPINGS", &c.GroupMappingsPath)
	if v := strings.TrimSpace(getenv("XPERT_PRESERVE_MANUAL_ROLES")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("XPERT_PRESERVE_MANUAL_ROLES: %w", err))
		}
		c.PreserveManualRoles = b
	}
	if v := strings.TrimSpace(getenv("XPERT_RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("XPERT_RATE_LIMIT_RPS: %w", err))
		}
		c.RateLimitRPS = f
	}
	if v := strings.TrimSpace(getenv("XPERT_RATE_LIMIT_BURST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("XPERT_RATE_LIMIT_BURST: %w", err))
		}
		c.RateLimitBurst = n
	}
	str("XPERT_REDIS_ADDR", &c.RedisAddr)
	if v := strings.TrimSpace(getenv("XPERT_TRUSTED_PROXIES")); v != "" {
		p, err := ParseTrustedProxies(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("XPERT_TRUSTED_PROXIES: %w", err))
		}
		c.TrustedProxies = p
	}
	return errors.Join(errs...)
}

func (c *Config) applyFlags(args []string) error {
	fs := flag.NewFlagSet("xpertsphere-api", flag.ContinueOnError)
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.GRPCAddr, "grpc", c.GRPCAddr, "gRPC listen address (empty or off disables)")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "PostgreSQL DSN (empty runs on the in-memory store)")
	fs.StringVar(&c.Issuer, "issuer", c.Issuer, "issuer of local tokens")
	fs.StringVar(&c.Audience, "audience", c.Audience, "audience of local tokens")
	fs.DurationVar(&c.ClockSkew, "clock-skew", c.ClockSkew, "clock skew tolerated on local tokens")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "refresh token lifetime")
	fs.StringVar(&c.GroupMappingsPath, "group-mappings", c.GroupMappingsPath, "path of the group-to-role mapping file")
	fs.BoolVar(&c.PreserveManualRoles, "preserve-manual-roles", c.PreserveManualRoles, "keep administratively assigned roles during group sync")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", c.RateLimitRPS, "sign-in requests per second per client")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", c.RateLimitBurst, "sign-in burst per client")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for shared rate limiting")
	fs.Func("trusted-proxies", "comma-separated proxy IPs or CIDRs allowed to set X-Forwarded-For", func(v string) error {
		p, err := ParseTrustedProxies(v)
		if err != nil {
			return err
		}
		c.TrustedProxies = p
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.EqualFold(c.GRPCAddr, "off") {
		c.GRPCAddr = ""
	}
	return nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if len(strings.TrimSpace(c.SigningKey)) < 32 {
		errs = append(errs, errors.New("XPERT_SIGNING_KEY must be at least 32 bytes"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.RefreshTTL <= c.AccessTTL {
		errs = append(errs, errors.New("refresh lifetime must exceed access lifetime"))
	}
	if c.ClockSkew < 0 {
		errs = append(errs, errors.New("clock skew must not be negative"))
	}
	for name, r := range map[string]Realm{"B2B": c.B2B, "B2C": c.B2C} {
		if r.Enabled() && strings.TrimSpace(r.JWKSURL) == "" {
			errs = append(errs, fmt.Errorf("%s realm: JWKS URL is required when an issuer is set", name))
		}
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	return errors.Join(errs...)
}

// ParseTrustedProxies parses a comma-separated list of IPs and CIDR prefixes.
func ParseTrustedProxies(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// LoadGroupMapping reads the group-to-role table. An empty path yields an
// empty mapping: federated users then receive no group-derived roles.
func LoadGroupMapping(path string, catalog *auth.Catalog) (*auth.GroupMapping, error) {
	if strings.TrimSpace(path) == "" {
		return auth.NewGroupMapping(nil, catalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read group mappings: %w", err)
	}
	return auth.ParseGroupMapping(data, catalog)
}
