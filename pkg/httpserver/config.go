package httpserver

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config: секция http сервиса. Служебные эндпоинты живут в корне,
// маршруты чтения окон сделок под APIPrefix.
type Config struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	MetricsPath string `mapstructure:"metrics_path" validate:"startswith=/"`
	HealthzPath string `mapstructure:"healthz_path" validate:"startswith=/"`
	ReadyzPath  string `mapstructure:"readyz_path" validate:"startswith=/"`
	APIPrefix   string `mapstructure:"api_prefix" validate:"startswith=/"`

	// CORSOrigins: пусто → разрешены все источники (консоль/дашборд на другом хосте).
	CORSOrigins []string `mapstructure:"cors_origins"`
}

const DefaultAPIPrefix = "/api/v1"

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.HealthzPath == "" {
		c.HealthzPath = "/healthz"
	}
	if c.ReadyzPath == "" {
		c.ReadyzPath = "/readyz"
	}
	if c.APIPrefix == "" {
		c.APIPrefix = DefaultAPIPrefix
	}
	c.APIPrefix = "/" + strings.Trim(c.APIPrefix, "/")
}

// Port 0 допустим здесь (тесты слушают эфемерный порт); конфиг сервиса
// требует явный порт через теги validator.
func (c Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("httpserver: port %d out of range", c.Port)
	}
	for _, p := range c.servicePaths() {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("httpserver: path %q must start with /", p)
		}
		if p == c.APIPrefix || strings.HasPrefix(p, c.APIPrefix+"/") {
			return fmt.Errorf("httpserver: %s overlaps api prefix %s", p, c.APIPrefix)
		}
	}
	return nil
}

// Addr is the listen address for Port on all interfaces.
func (c Config) Addr() string { return net.JoinHostPort("", strconv.Itoa(c.Port)) }

// APIPath mounts route under APIPrefix: "recent" → "/api/v1/recent".
func (c Config) APIPath(route string) string {
	prefix := c.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	return "/" + strings.Trim(prefix, "/") + "/" + strings.Trim(route, "/")
}

func (c Config) servicePaths() []string {
	return []string{c.MetricsPath, c.HealthzPath, c.ReadyzPath}
}
