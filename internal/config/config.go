package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/poolcore/poolcore/internal/model"
)

// Config is the top-level configuration for poolcore.
type Config struct {
	Listen   ListenConfig            `yaml:"listen"`
	Defaults PoolDefaults            `yaml:"defaults"`
	Tenants  map[string]TenantConfig `yaml:"tenants"`
	Relay    RelayConfig             `yaml:"relay"`
}

// RelayConfig configures the load balancer's redirect rules and the
// version-probe relation-cache size.
type RelayConfig struct {
	RedirectDBNames  []RedirectRuleConfig `yaml:"redirect_dbnames"`
	RedirectAppNames []RedirectRuleConfig `yaml:"redirect_app_names"`
	RelcacheSize     int                  `yaml:"relcache_size"`
}

// RedirectRuleConfig is the YAML shape of one ordered redirect rule;
// Pattern is compiled lazily via Compile (first-match-wins ordering
// comes from list order, not a config field).
type RedirectRuleConfig struct {
	Pattern string  `yaml:"pattern"`
	Target  string  `yaml:"target"`
	Weight  float64 `yaml:"weight"`
}

// Compile turns the configured rule lists into model.RedirectRuleList
// values the load balancer consumes, compiling each pattern once at
// load time rather than per selection.
func (rc RelayConfig) Compile() (dbRules, appRules model.RedirectRuleList, err error) {
	dbRules, err = compileRules(rc.RedirectDBNames)
	if err != nil {
		return nil, nil, fmt.Errorf("compiling redirect_dbnames: %w", err)
	}
	appRules, err = compileRules(rc.RedirectAppNames)
	if err != nil {
		return nil, nil, fmt.Errorf("compiling redirect_app_names: %w", err)
	}
	return dbRules, appRules, nil
}

func compileRules(cfgRules []RedirectRuleConfig) (model.RedirectRuleList, error) {
	rules := make(model.RedirectRuleList, 0, len(cfgRules))
	for _, r := range cfgRules {
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", r.Pattern, err)
		}
		rules = append(rules, model.RedirectRule{
			Pattern:     pattern,
			TargetToken: r.Target,
			Weight:      r.Weight,
		})
	}
	return rules, nil
}

// ListenConfig defines the ports and bind addresses poolcore listens on.
type ListenConfig struct {
	PostgresPort        int    `yaml:"postgres_port"`
	MySQLPort           int    `yaml:"mysql_port"`
	APIPort             int    `yaml:"api_port"`
	APIBind             string `yaml:"api_bind"`
	APIKey              string `yaml:"api_key"`
	TLSCert             string `yaml:"tls_cert"`
	TLSKey              string `yaml:"tls_key"`
	MaxProxyConnections int    `yaml:"max_proxy_connections"`
}

// PoolDefaults defines default pool settings applied when tenants don't override.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// TenantConfig holds the database configuration for a single tenant.
type TenantConfig struct {
	DBType         string          `yaml:"db_type"`
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	DBName         string          `yaml:"dbname"`
	Username       string          `yaml:"username"`
	Password       string          `yaml:"password"`
	MinConnections *int            `yaml:"min_connections,omitempty"`
	MaxConnections *int            `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration  `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration  `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration  `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration  `yaml:"dial_timeout,omitempty"`
	Replicas       []ReplicaConfig `yaml:"replicas,omitempty"`
}

// ReplicaConfig describes one streaming-replication standby eligible
// for load-balanced read traffic alongside the tenant's primary.
type ReplicaConfig struct {
	Host   string  `yaml:"host"`
	Port   int     `yaml:"port"`
	Weight float64 `yaml:"weight"`
}

// ClusterView builds the load balancer's read-only cluster snapshot
// for this tenant: node 0 is always the tenant's own primary
// endpoint, followed by its configured replicas in order. Streaming
// replication mode is on whenever at least one replica is configured.
func (t TenantConfig) ClusterView() model.ClusterView {
	nodes := make([]model.BackendNodeView, 0, 1+len(t.Replicas))
	nodes = append(nodes, model.BackendNodeView{
		Endpoint: model.NewBackendEndpoint(t.Host, uint16(t.Port)),
		Weight:   1.0,
		ValidRaw: true,
		Valid:    true,
	})
	for _, r := range t.Replicas {
		nodes = append(nodes, model.BackendNodeView{
			Endpoint: model.NewBackendEndpoint(r.Host, uint16(r.Port)),
			Weight:   r.Weight,
			ValidRaw: true,
			Valid:    true,
		})
	}
	return model.ClusterView{
		Nodes:                    nodes,
		PrimaryNodeID:            0,
		MasterNodeID:             0,
		StreamingReplicationMode: len(t.Replicas) > 0,
	}
}

// EffectiveMinConnections returns the tenant's min connections or the default.
func (t TenantConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if t.MinConnections != nil {
		return *t.MinConnections
	}
	return defaults.MinConnections
}

// EffectiveMaxConnections returns the tenant's max connections or the default.
func (t TenantConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if t.MaxConnections != nil {
		return *t.MaxConnections
	}
	return defaults.MaxConnections
}

// EffectiveIdleTimeout returns the tenant's idle timeout or the default.
func (t TenantConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if t.IdleTimeout != nil {
		return *t.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveMaxLifetime returns the tenant's max lifetime or the default.
func (t TenantConfig) EffectiveMaxLifetime(defaults PoolDefaults) time.Duration {
	if t.MaxLifetime != nil {
		return *t.MaxLifetime
	}
	return defaults.MaxLifetime
}

// EffectiveAcquireTimeout returns the tenant's acquire timeout or the default.
func (t TenantConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if t.AcquireTimeout != nil {
		return *t.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

// EffectiveDialTimeout returns the tenant's dial timeout or the default.
func (t TenantConfig) EffectiveDialTimeout(defaults PoolDefaults) time.Duration {
	if t.DialTimeout != nil {
		return *t.DialTimeout
	}
	return defaults.DialTimeout
}

// Redacted returns a copy of the TenantConfig with the password masked.
func (t TenantConfig) Redacted() TenantConfig {
	c := t
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateTenantID reports whether id is a legal tenant identifier:
// non-empty, starting with a letter or digit, and containing only
// letters, digits, underscores, and dashes thereafter.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("invalid tenant id %q: must match %s", id, tenantIDPattern.String())
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
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

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.MySQLPort == 0 {
		cfg.Listen.MySQLPort = 3307
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Listen.MaxProxyConnections == 0 {
		cfg.Listen.MaxProxyConnections = 10000
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
	if cfg.Relay.RelcacheSize == 0 {
		cfg.Relay.RelcacheSize = 128
	}
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func validate(cfg *Config) error {
	if cfg.Listen.PostgresPort != 0 && !validPort(cfg.Listen.PostgresPort) {
		return fmt.Errorf("listen.postgres_port %d out of range [1, 65535]", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.MySQLPort != 0 && !validPort(cfg.Listen.MySQLPort) {
		return fmt.Errorf("listen.mysql_port %d out of range [1, 65535]", cfg.Listen.MySQLPort)
	}
	if cfg.Listen.APIPort != 0 && !validPort(cfg.Listen.APIPort) {
		return fmt.Errorf("listen.api_port %d out of range [1, 65535]", cfg.Listen.APIPort)
	}
	if cfg.Defaults.MaxConnections != 0 && cfg.Defaults.MinConnections > cfg.Defaults.MaxConnections {
		return fmt.Errorf("defaults: min_connections %d exceeds max_connections %d", cfg.Defaults.MinConnections, cfg.Defaults.MaxConnections)
	}

	for id, tenant := range cfg.Tenants {
		if err := ValidateTenantID(id); err != nil {
			return fmt.Errorf("tenant %q: %w", id, err)
		}
		if tenant.DBType != "postgres" && tenant.DBType != "mysql" {
			return fmt.Errorf("tenant %q: unsupported db_type %q (must be postgres or mysql)", id, tenant.DBType)
		}
		if tenant.Host == "" {
			return fmt.Errorf("tenant %q: host is required", id)
		}
		if strings.Contains(tenant.Host, ":") {
			return fmt.Errorf("tenant %q: host %q must not contain a port; set port separately", id, tenant.Host)
		}
		if tenant.Port == 0 {
			return fmt.Errorf("tenant %q: port is required", id)
		}
		if !validPort(tenant.Port) {
			return fmt.Errorf("tenant %q: port %d out of range [1, 65535]", id, tenant.Port)
		}
		if tenant.DBName == "" {
			return fmt.Errorf("tenant %q: dbname is required", id)
		}
		if tenant.Username == "" {
			return fmt.Errorf("tenant %q: username is required", id)
		}
		if tenant.MinConnections != nil && tenant.MaxConnections != nil && *tenant.MinConnections > *tenant.MaxConnections {
			return fmt.Errorf("tenant %q: min_connections %d exceeds max_connections %d", id, *tenant.MinConnections, *tenant.MaxConnections)
		}
		for i, rep := range tenant.Replicas {
			if rep.Host == "" {
				return fmt.Errorf("tenant %q: replicas[%d]: host is required", id, i)
			}
			if !validPort(rep.Port) {
				return fmt.Errorf("tenant %q: replicas[%d]: port %d out of range [1, 65535]", id, i, rep.Port)
			}
			if rep.Weight < 0 || rep.Weight > 1.0 {
				return fmt.Errorf("tenant %q: replicas[%d]: weight %v out of range [0.0, 1.0]", id, i, rep.Weight)
			}
		}
	}
	if _, _, err := cfg.Relay.Compile(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	for _, r := range cfg.Relay.RedirectDBNames {
		if r.Weight < 0 || r.Weight > 1.0 {
			return fmt.Errorf("relay.redirect_dbnames: weight %v out of range [0.0, 1.0]", r.Weight)
		}
	}
	for _, r := range cfg.Relay.RedirectAppNames {
		if r.Weight < 0 || r.Weight > 1.0 {
			return fmt.Errorf("relay.redirect_app_names: weight %v out of range [0.0, 1.0]", r.Weight)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
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
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
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
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
