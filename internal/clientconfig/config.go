// Package clientconfig loads the library-wide defaults a long-running
// binary wires into every Connection it opens: timeouts, retry budget, TLS
// material, and a stall threshold. StallThresholdMs is loaded and validated
// here, but the engine's timeout attribution uses its own fixed 50ms
// constant (stallThresholdMicros) and does not read this value. It mirrors
// the teacher's internal/config package:
// YAML with ${VAR} environment substitution, validated then defaulted, with
// optional fsnotify-driven hot-reload.
package clientconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	Defaults ConnectDefaults `yaml:"defaults"`
	TLS      TLSConfig       `yaml:"tls"`
}

// ConnectDefaults seeds asyncmy.ConnectionOptions for every new
// ConnectOperation a binary creates.
type ConnectDefaults struct {
	Timeout           time.Duration `yaml:"timeout"`
	TotalTimeout      time.Duration `yaml:"total_timeout"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	ConnectTCPTimeout time.Duration `yaml:"connect_tcp_timeout"`
	ConnectAttempts   int           `yaml:"connect_attempts"`
	Compression       string        `yaml:"compression"`
	DSCP              int           `yaml:"dscp"`
	StallThresholdMs  int           `yaml:"stall_threshold_ms"`
}

// TLSConfig names PEM material on disk; BuildTLSConfig turns it into a
// *tls.Config an asyncmy.SSLOptionsProvider can return.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

// BuildTLSConfig loads the certificate material named by t and returns a
// *tls.Config, or nil if TLS is disabled.
func (t TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{ServerName: t.ServerName}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s contained no usable certificates", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} environment
// substitution, then applies defaults for anything left zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Defaults.ConnectAttempts < 0 {
		return fmt.Errorf("defaults.connect_attempts must be >= 0")
	}
	if cfg.TLS.Enabled && cfg.TLS.CertFile != "" && cfg.TLS.KeyFile == "" {
		return fmt.Errorf("tls.cert_file set without tls.key_file")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Defaults.Timeout == 0 {
		cfg.Defaults.Timeout = 1 * time.Second
	}
	if cfg.Defaults.TotalTimeout == 0 {
		cfg.Defaults.TotalTimeout = 5 * time.Second
	}
	if cfg.Defaults.QueryTimeout == 0 {
		cfg.Defaults.QueryTimeout = 5 * time.Second
	}
	if cfg.Defaults.ConnectAttempts == 0 {
		cfg.Defaults.ConnectAttempts = 1
	}
	if cfg.Defaults.DSCP == 0 {
		cfg.Defaults.DSCP = -1
	}
	if cfg.Defaults.StallThresholdMs == 0 {
		cfg.Defaults.StallThresholdMs = 50
	}
}

// Watcher watches a config file for changes and invokes callback with the
// newly loaded Config, debounced the way the teacher's config.Watcher is.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path for changes.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[clientconfig] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[clientconfig] hot-reload failed: %v", err)
		return
	}
	log.Printf("[clientconfig] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
