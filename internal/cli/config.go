package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deicod/odm/internal/odm/pg"
)

const (
	configFile        = "odm.yaml"
	defaultMappingDir = "mappings"
	defaultProfile    = "dev"

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type projectConfig struct {
	Database databaseConfig `yaml:"database"`
	Mapping  struct {
		Dir string `yaml:"dir"`
	} `yaml:"mapping"`
}

type databaseConfig struct {
	Driver       string                      `yaml:"driver"`
	URL          string                      `yaml:"url"`
	Pool         poolConfig                  `yaml:"pool"`
	Environments map[string]environmentEntry `yaml:"environments"`
}

type environmentEntry struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type poolConfig struct {
	MaxConns          int32         `yaml:"max_conns"`
	MinConns          int32         `yaml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
}

func (p poolConfig) toPG() pg.PoolConfig {
	return pg.PoolConfig{
		MaxConns:          p.MaxConns,
		MinConns:          p.MinConns,
		MaxConnLifetime:   p.MaxConnLifetime,
		MaxConnIdleTime:   p.MaxConnIdleTime,
		HealthCheckPeriod: p.HealthCheckPeriod,
	}
}

// loadProjectConfig reads odm.yaml from root. A missing file yields the zero config.
func loadProjectConfig(root string) (projectConfig, error) {
	raw, err := os.ReadFile(filepath.Join(root, configFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return projectConfig{}, nil
		}
		return projectConfig{}, err
	}
	var cfg projectConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return projectConfig{}, fmt.Errorf("%s: %w", configFile, err)
	}
	return cfg, nil
}

func (c projectConfig) mappingDir(root string) string {
	dir := c.Mapping.Dir
	if dir == "" {
		dir = defaultMappingDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

type databaseTarget struct {
	Profile string
	Driver  string
	URL     string
}

// resolveDatabase picks the connection for profile. The profile defaults to ODM_ENV, then
// "dev"; ODM_DATABASE_URL overrides any configured URL.
func (c projectConfig) resolveDatabase(profile string) (databaseTarget, error) {
	if profile == "" {
		profile = os.Getenv("ODM_ENV")
	}
	if profile == "" {
		profile = defaultProfile
	}
	target := databaseTarget{Profile: profile, Driver: c.Database.Driver, URL: c.Database.URL}
	if env, ok := c.Database.Environments[profile]; ok {
		if env.URL != "" {
			target.URL = env.URL
		}
		if env.Driver != "" {
			target.Driver = env.Driver
		}
	}
	if override := os.Getenv("ODM_DATABASE_URL"); override != "" {
		target.URL = override
	}
	if target.Driver == "" {
		target.Driver = inferDriver(target.URL)
	}
	target.Driver = strings.ToLower(target.Driver)
	switch target.Driver {
	case driverPostgres, driverSQLite:
	default:
		return target, fmt.Errorf("unsupported database driver %q", target.Driver)
	}
	return target, nil
}

func inferDriver(url string) string {
	switch {
	case strings.HasPrefix(url, "sqlite:"), strings.HasSuffix(url, ".db"), url == ":memory:":
		return driverSQLite
	default:
		return driverPostgres
	}
}

// sqlitePath strips the optional sqlite:// scheme.
func sqlitePath(url string) string {
	if rest, ok := strings.CutPrefix(url, "sqlite://"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(url, "sqlite:"); ok {
		return rest
	}
	return url
}
