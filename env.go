// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment is what the client needs to know about the process it runs
// in. Env is the stock implementation; hosts with their own discovery
// can supply another.
type Environment interface {
	// ProcessName identifies this process as a caller.
	ProcessName() string
	// Callers is the chain of callers that led to this process.
	Callers() []string
	Credentials() Credentials
	// InCluster reports whether the process runs inside the managed
	// cluster, where logs are collected without forwarding.
	InCluster() bool
	// BusAddr is the base transport address, e.g. mem://local.
	BusAddr() string
	// DefaultTimeout applies to calls without an explicit timeout. Zero
	// means no environment default.
	DefaultTimeout() time.Duration
	// PullLogs asks for remote logs to be forwarded back to this process.
	PullLogs() bool
	// LogEndpoint is a fixed log-forwarding topic, if the environment
	// has one.
	LogEndpoint() string
}

// Credentials are presented to the bus when connecting.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TLSConfig builds a client TLS configuration from the credential files.
// It returns nil when no TLS material is configured.
func (c Credentials) TLSConfig() (*tls.Config, error) {
	if c.CAFile == "" && c.CertFile == "" {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Env is a static Environment, loadable from YAML or REFUNC_* variables.
type Env struct {
	Name        string        `yaml:"name"`
	CallerChain []string      `yaml:"callers"`
	Creds       Credentials   `yaml:"credentials"`
	Cluster     bool          `yaml:"in_cluster"`
	Addr        string        `yaml:"bus_addr"`
	Timeout     time.Duration `yaml:"timeout"`
	Pull        bool          `yaml:"pull_logs"`
	LogTopic    string        `yaml:"log_endpoint"`
}

func (e *Env) ProcessName() string {
	if e.Name != "" {
		return e.Name
	}
	return filepath.Base(os.Args[0])
}

func (e *Env) Callers() []string             { return e.CallerChain }
func (e *Env) Credentials() Credentials      { return e.Creds }
func (e *Env) InCluster() bool               { return e.Cluster }
func (e *Env) BusAddr() string               { return e.Addr }
func (e *Env) DefaultTimeout() time.Duration { return e.Timeout }
func (e *Env) PullLogs() bool                { return e.Pull }
func (e *Env) LogEndpoint() string           { return e.LogTopic }

// LoadEnv reads an Env from a YAML file.
func LoadEnv(path string) (*Env, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	env := &Env{}
	if err := yaml.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("parsing env file %s: %w", path, err)
	}
	return env, nil
}

// Environment variables read by EnvFromOS.
const (
	EnvVarName        = "REFUNC_NAME"
	EnvVarCallers     = "REFUNC_CALLERS"
	EnvVarEnv         = "REFUNC_ENV"
	EnvVarBusAddr     = "REFUNC_BUS_ADDR"
	EnvVarTimeout     = "REFUNC_TIMEOUT"
	EnvVarPullLogs    = "REFUNC_PULL_LOGS"
	EnvVarLogEndpoint = "REFUNC_LOG_ENDPOINT"
	EnvVarUser        = "REFUNC_USER"
	EnvVarPassword    = "REFUNC_PASSWORD"
	EnvVarToken       = "REFUNC_TOKEN"
	EnvVarCAFile      = "REFUNC_CA_FILE"
	EnvVarCertFile    = "REFUNC_CERT_FILE"
	EnvVarKeyFile     = "REFUNC_KEY_FILE"
)

// EnvFromOS builds an Env from the process environment. REFUNC_ENV=cluster
// marks the process as running in the managed cluster.
func EnvFromOS() (*Env, error) {
	return envFromLookup(os.LookupEnv)
}

func envFromLookup(lookup func(string) (string, bool)) (*Env, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	env := &Env{
		Name:     get(EnvVarName),
		Cluster:  get(EnvVarEnv) == "cluster",
		Addr:     get(EnvVarBusAddr),
		LogTopic: get(EnvVarLogEndpoint),
		Creds: Credentials{
			User:     get(EnvVarUser),
			Password: get(EnvVarPassword),
			Token:    get(EnvVarToken),
			CAFile:   get(EnvVarCAFile),
			CertFile: get(EnvVarCertFile),
			KeyFile:  get(EnvVarKeyFile),
		},
	}
	if callers := get(EnvVarCallers); callers != "" {
		for _, c := range strings.Split(callers, ",") {
			if c = strings.TrimSpace(c); c != "" {
				env.CallerChain = append(env.CallerChain, c)
			}
		}
	}
	if v := get(EnvVarTimeout); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvVarTimeout, err)
		}
		env.Timeout = d
	}
	if v := get(EnvVarPullLogs); v != "" {
		pull, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvVarPullLogs, err)
		}
		env.Pull = pull
	}
	return env, nil
}

// parseTimeout accepts a Go duration or a plain number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
