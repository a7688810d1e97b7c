package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"worktrack/internal/domain"
	"worktrack/internal/engine/auth"
)

// AllDepartments enables a kind for every head in access.departments.
const AllDepartments = "*"

// Config models worktrack.yml.
type Config struct {
	Server struct {
		Addr           string `yaml:"addr"`
		BasePath       string `yaml:"base_path"`
		AllowDevTokens bool   `yaml:"allow_dev_tokens"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Cache struct {
		RedisAddr    string        `yaml:"redis_addr"`
		DashboardTTL time.Duration `yaml:"dashboard_ttl"`
	} `yaml:"cache"`
	Dashboard struct {
		MonthsBack  int `yaml:"months_back"`
		RecentLimit int `yaml:"recent_limit"`
	} `yaml:"dashboard"`
	Access struct {
		// Departments overrides, per work-item kind, which head departments
		// may use it. Kinds left out keep the built-in table.
		Departments map[string][]string `yaml:"departments"`
	} `yaml:"access"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create one with wt config init", path)
	}
	return cfg, err
}

// LoadOptional falls back to Default when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("config.auth.token_ttl must not be negative")
	}
	if c.Cache.DashboardTTL < 0 {
		return fmt.Errorf("config.cache.dashboard_ttl must not be negative")
	}
	if c.Dashboard.MonthsBack <= 0 {
		return fmt.Errorf("config.dashboard.months_back must be positive")
	}
	if c.Dashboard.RecentLimit < 0 {
		return fmt.Errorf("config.dashboard.recent_limit must not be negative")
	}
	for kind, depts := range c.Access.Departments {
		k, err := domain.ParseKind(kind)
		if err != nil || !k.IsWorkItem() {
			return fmt.Errorf("config.access.departments: unknown work item kind %q", kind)
		}
		for _, d := range depts {
			if d == AllDepartments {
				if len(depts) > 1 {
					return fmt.Errorf("config.access.departments.%s: %q cannot be combined with departments", kind, AllDepartments)
				}
				continue
			}
			if _, err := domain.ParseDepartment(d); err != nil || d == "" {
				return fmt.Errorf("config.access.departments.%s: unknown department %q", kind, d)
			}
		}
	}
	return nil
}

// HeadAccess merges access.departments over auth.DefaultDepartments.
func (c *Config) HeadAccess() map[domain.EntityKind]auth.KindAccess {
	table := auth.DefaultDepartments()
	for kind, depts := range c.Access.Departments {
		k, err := domain.ParseKind(kind)
		if err != nil {
			continue
		}
		var access auth.KindAccess
		for _, d := range depts {
			if d == AllDepartments {
				access.AllDepartments = true
				continue
			}
			access.Departments = append(access.Departments, domain.Department(strings.ToLower(strings.TrimSpace(d))))
		}
		table[k] = access
	}
	return table
}

// Policy builds the access policy this config describes.
func (c *Config) Policy() auth.Policy {
	return auth.NewPolicy(c.HeadAccess())
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "worktrack.yml")
}

// GenerateDefault returns the default config YAML, listing the built-in
// department table so it can be edited in place.
func GenerateDefault() string {
	var b strings.Builder
	b.WriteString(defaultTemplate)
	b.WriteString("access:\n  departments:\n")
	table := auth.DefaultDepartments()
	kinds := make([]string, 0, len(table))
	for k := range table {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		access := table[domain.EntityKind(k)]
		if access.AllDepartments {
			fmt.Fprintf(&b, "    %s: [\"%s\"]\n", k, AllDepartments)
			continue
		}
		names := make([]string, len(access.Departments))
		for i, d := range access.Departments {
			names[i] = string(d)
		}
		fmt.Fprintf(&b, "    %s: [%s]\n", k, strings.Join(names, ", "))
	}
	return b.String()
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_dev_tokens: false

auth:
  jwt_secret: ""
  token_ttl: 12h

cache:
  redis_addr: ""
  dashboard_ttl: 30s

dashboard:
  months_back: 12
  recent_limit: 5

`
