package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the platformctl configuration. It is read from a YAML file and
// then overridden by any flag given on the command line.
type Config struct {
	// BaseURL and Locator are mutually exclusive. A locator ("v1:us1:abc")
	// also requires Service and ServiceVersion.
	BaseURL        string `yaml:"base_url"`
	Locator        string `yaml:"locator"`
	Service        string `yaml:"service"`
	ServiceVersion string `yaml:"service_version"`

	// Token is a static bearer token. OAuth fetches tokens with the client
	// credentials grant instead.
	Token string       `yaml:"token"`
	OAuth *OAuthConfig `yaml:"oauth"`

	Headers map[string]string `yaml:"headers"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	DownloadDir      string        `yaml:"download_dir"`

	// CursorDB is a Badger directory that persists subscription positions.
	CursorDB  string        `yaml:"cursor_db"`
	CursorTTL time.Duration `yaml:"cursor_ttl"`

	LogLevel    string `yaml:"log_level"`
	Trace       bool   `yaml:"trace"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// OAuthConfig configures the client credentials grant.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// globalFlags holds the persistent flag values before they are merged into
// the loaded Config.
type globalFlags struct {
	ConfigFile       string
	BaseURL          string
	Locator          string
	Service          string
	ServiceVersion   string
	Token            string
	Headers          []string
	HeartbeatTimeout time.Duration
	CursorDB         string
	LogLevel         string
	Trace            bool
	MetricsAddr      string
}

func (f *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.ConfigFile, "config", "c", "", "YAML config file")
	pf.StringVar(&f.BaseURL, "base-url", "", "base URL of the service")
	pf.StringVar(&f.Locator, "locator", "", "instance locator (v1:cluster:instance)")
	pf.StringVar(&f.Service, "service", "", "service name for locator namespacing")
	pf.StringVar(&f.ServiceVersion, "service-version", "", "service version for locator namespacing")
	pf.StringVar(&f.Token, "token", "", "static bearer token")
	pf.StringArrayVarP(&f.Headers, "header", "H", nil, "extra request header (Key: Value), repeatable")
	pf.DurationVar(&f.HeartbeatTimeout, "heartbeat", 0, "subscription heartbeat timeout (negative disables)")
	pf.StringVar(&f.CursorDB, "cursor-db", "", "Badger directory persisting subscription positions")
	pf.StringVar(&f.LogLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.BoolVar(&f.Trace, "trace", false, "log a span per transfer")
	pf.StringVar(&f.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// loadConfig reads path. An empty path yields an empty Config.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// override applies every flag that was set explicitly.
func (c *Config) override(cmd *cobra.Command, f *globalFlags) error {
	fs := cmd.Flags()
	if fs.Changed("base-url") {
		c.BaseURL = f.BaseURL
	}
	if fs.Changed("locator") {
		c.Locator = f.Locator
	}
	if fs.Changed("service") {
		c.Service = f.Service
	}
	if fs.Changed("service-version") {
		c.ServiceVersion = f.ServiceVersion
	}
	if fs.Changed("token") {
		c.Token = f.Token
	}
	if fs.Changed("heartbeat") {
		c.HeartbeatTimeout = f.HeartbeatTimeout
	}
	if fs.Changed("cursor-db") {
		c.CursorDB = f.CursorDB
	}
	if fs.Changed("log-level") {
		c.LogLevel = f.LogLevel
	}
	if fs.Changed("trace") {
		c.Trace = f.Trace
	}
	if fs.Changed("metrics-addr") {
		c.MetricsAddr = f.MetricsAddr
	}
	for _, h := range f.Headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("invalid header %q, want Key: Value", h)
		}
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.BaseURL == "" && c.Locator == "":
		return errors.New("one of base_url or locator is required")
	case c.BaseURL != "" && c.Locator != "":
		return errors.New("base_url and locator are mutually exclusive")
	case c.Locator != "" && (c.Service == "" || c.ServiceVersion == ""):
		return errors.New("locator requires service and service_version")
	case c.Token != "" && c.OAuth != nil:
		return errors.New("token and oauth are mutually exclusive")
	}
	if c.OAuth != nil && (c.OAuth.TokenURL == "" || c.OAuth.ClientID == "") {
		return errors.New("oauth requires token_url and client_id")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
