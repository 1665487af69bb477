package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config is the top-level configuration.
type Config struct {
	APIBaseURL         string `toml:"api_base_url" validate:"required,url"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	LogLevel           string `toml:"log_level" validate:"oneof=debug info warn error"`
	CallbackListenAddr string `toml:"callback_listen_addr" validate:"required,hostname_port"`
	MFACodeLength      int    `toml:"mfa_code_length" validate:"gte=4,lte=10"`

	HTTPTimeoutRaw          string `toml:"http_timeout"`
	SuccessRedirectDelayRaw string `toml:"success_redirect_delay"`
	ErrorRedirectDelayRaw   string `toml:"error_redirect_delay"`
	StateTTLRaw             string `toml:"state_ttl"`

	Storage   StorageConfig    `toml:"storage"`
	Kratos    KratosConfig     `toml:"kratos"`
	Providers []ProviderConfig `toml:"provider" validate:"dive"`

	// Computed fields (not from TOML)
	HTTPTimeout          time.Duration `toml:"-"`
	SuccessRedirectDelay time.Duration `toml:"-"`
	ErrorRedirectDelay   time.Duration `toml:"-"`
	StateTTL             time.Duration `toml:"-"`
}

// StorageConfig selects the durable credential backend.
type StorageConfig struct {
	Driver        string `toml:"driver" validate:"oneof=file sqlite redis memory"`
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db" validate:"gte=0"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// KratosConfig points the unified callback at an Ory Kratos public API.
// Leave PublicURL empty to disable the unified callback.
type KratosConfig struct {
	PublicURL    string `toml:"public_url" validate:"omitempty,url"`
	SessionToken string `toml:"session_token"`
}

// ProviderConfig defines a single federated identity provider.
type ProviderConfig struct {
	Name             string            `toml:"name" validate:"required"`
	Kind             string            `toml:"kind" validate:"oneof=oauth2 oidc"`
	Issuer           string            `toml:"issuer" validate:"omitempty,url"`            // OIDC discovery
	AuthorizationURL string            `toml:"authorization_url" validate:"omitempty,url"` // Manual (oauth2)
	TokenURL         string            `toml:"token_url" validate:"omitempty,url"`         // Manual (oauth2)
	ClientID         string            `toml:"client_id" validate:"required"`
	ClientSecret     string            `toml:"client_secret"`
	RedirectURI      string            `toml:"redirect_uri" validate:"required,url"`
	Scopes           []string          `toml:"scopes"`
	PKCE             bool              `toml:"pkce"`
	TokenAuthStyle   string            `toml:"token_endpoint_auth_style" validate:"omitempty,oneof=header params"`
	ExtraAuthParams  map[string]string `toml:"extra_auth_params"`
}

var providerNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Load reads the configuration from a TOML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a TOML document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.CallbackListenAddr == "" {
		cfg.CallbackListenAddr = "127.0.0.1:8765"
	}
	if cfg.MFACodeLength == 0 {
		cfg.MFACodeLength = 6
	}
	applyStorageDefaults(&cfg.Storage)
	cfg.Kratos.SessionToken = os.ExpandEnv(cfg.Kratos.SessionToken)
	for i := range cfg.Providers {
		applyProviderDefaults(&cfg.Providers[i], cfg.CallbackListenAddr)
	}

	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"http_timeout", cfg.HTTPTimeoutRaw, 30 * time.Second, &cfg.HTTPTimeout},
		{"success_redirect_delay", cfg.SuccessRedirectDelayRaw, 1500 * time.Millisecond, &cfg.SuccessRedirectDelay},
		{"error_redirect_delay", cfg.ErrorRedirectDelayRaw, 3 * time.Second, &cfg.ErrorRedirectDelay},
		{"state_ttl", cfg.StateTTLRaw, 10 * time.Minute, &cfg.StateTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid duration %q: %w", d.name, d.raw, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("%s: must not be negative", d.name)
		}
		*d.dst = v
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", describeValidation(err))
	}

	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("api_base_url %q: scheme must be http or https", cfg.APIBaseURL)
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	// Validate provider entries
	seen := make(map[string]int)
	for i, p := range cfg.Providers {
		if !providerNameRe.MatchString(p.Name) {
			return nil, fmt.Errorf("provider[%d] (%s): name must be lowercase letters, digits, '-' or '_'", i, p.Name)
		}
		if prev, ok := seen[p.Name]; ok {
			return nil, fmt.Errorf("duplicate provider name %q: provider[%d] and provider[%d]", p.Name, prev, i)
		}
		seen[p.Name] = i

		switch p.Kind {
		case "oidc":
			if p.Issuer == "" {
				return nil, fmt.Errorf("provider[%d] (%s): issuer is required for oidc", i, p.Name)
			}
		case "oauth2":
			if p.AuthorizationURL == "" || p.TokenURL == "" {
				return nil, fmt.Errorf("provider[%d] (%s): authorization_url and token_url are required for oauth2", i, p.Name)
			}
		}
	}

	return cfg, nil
}

// Provider returns the provider named name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func applyStorageDefaults(s *StorageConfig) {
	if s.Driver == "" {
		s.Driver = "file"
	}
	if s.RedisPrefix == "" {
		s.RedisPrefix = "authsession"
	}
	s.RedisPassword = os.ExpandEnv(s.RedisPassword)
	if s.Path == "" {
		name := "credentials.json"
		if s.Driver == "sqlite" {
			name = "credentials.db"
		}
		s.Path = filepath.Join(defaultDataDir(), name)
	}
}

func applyProviderDefaults(p *ProviderConfig, listenAddr string) {
	if p.Kind == "" {
		p.Kind = "oauth2"
		if p.Issuer != "" {
			p.Kind = "oidc"
		}
	}
	if len(p.Scopes) == 0 {
		if p.Kind == "oidc" {
			p.Scopes = []string{"openid", "profile", "email"}
		} else {
			p.Scopes = []string{"profile", "email"}
		}
	}
	if p.RedirectURI == "" && p.Name != "" {
		p.RedirectURI = "http://" + listenAddr + "/callback/" + p.Name
	}
	p.ClientSecret = os.ExpandEnv(p.ClientSecret)
	if p.TokenAuthStyle == "" {
		p.TokenAuthStyle = DefaultTokenAuthStyle(p.ClientSecret)
	}
}

// DefaultTokenAuthStyle picks client_secret_basic for confidential clients
// and body parameters for public ones.
func DefaultTokenAuthStyle(clientSecret string) string {
	if clientSecret == "" {
		return "params"
	}
	return "header"
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "authsession")
	}
	return ".authsession"
}

// describeValidation flattens validator errors into "field: rule" pairs.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}
