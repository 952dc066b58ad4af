package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 保存 devicenotifier 的全部配置
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Space     SpaceConfig     `yaml:"space"`
	FreeSpace FreeSpaceConfig `yaml:"free_space"`
}

// LoggingConfig 对应 logging.InitLogger 的参数
type LoggingConfig struct {
	Mode  string `yaml:"mode"`  // development, production
	Level string `yaml:"level"` // debug, info, warn, error
}

// MonitorConfig 配置设备和挂载点的监控
type MonitorConfig struct {
	SysRoot      string   `yaml:"sys_root"`
	UdevRoot     string   `yaml:"udev_root"`
	MediaRoots   []string `yaml:"media_roots"`
	PollInterval string   `yaml:"poll_interval"`
	MountSettle  string   `yaml:"mount_settle"`
	OpTimeout    string   `yaml:"operation_timeout"`
}

// SpaceConfig 配置容量刷新
type SpaceConfig struct {
	RefreshInterval string `yaml:"refresh_interval"`
}

// FreeSpaceConfig 配置低可用空间警告
type FreeSpaceConfig struct {
	Enabled           bool   `yaml:"enabled"`
	MinimumSpaceMiB   int64  `yaml:"minimum_space_mib"`
	MinimumPercentage int64  `yaml:"minimum_space_percentage"`
	CheckInterval     string `yaml:"check_interval"`
	RearmAfter        string `yaml:"rearm_after"`
	// Paths 是需要监控的挂载点，为空时监控根目录和家目录
	Paths []string `yaml:"paths"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Mode:  "development",
			Level: "info",
		},
		Monitor: MonitorConfig{
			SysRoot:      "/sys",
			UdevRoot:     "/run/udev",
			MediaRoots:   []string{"/media", "/run/media"},
			PollInterval: "1s",
			MountSettle:  "500ms",
			OpTimeout:    "10m",
		},
		Space: SpaceConfig{
			RefreshInterval: "1m",
		},
		FreeSpace: FreeSpaceConfig{
			Enabled:           true,
			MinimumSpaceMiB:   200,
			MinimumPercentage: 5,
			CheckInterval:     "1m",
			RearmAfter:        "1h",
		},
	}
}

// Load 从 YAML 文件读取配置，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save 将配置写入 YAML 文件
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("DEVICENOTIFIER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if root := os.Getenv("DEVICENOTIFIER_MEDIA_ROOT"); root != "" {
		c.Monitor.MediaRoots = filepath.SplitList(root)
	}
}

// Validate 检查配置是否合法
func (c *Config) Validate() error {
	switch c.Logging.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("invalid logging mode: %q (valid: development, production)", c.Logging.Mode)
	}

	durations := map[string]string{
		"monitor.poll_interval":     c.Monitor.PollInterval,
		"monitor.mount_settle":      c.Monitor.MountSettle,
		"monitor.operation_timeout": c.Monitor.OpTimeout,
		"space.refresh_interval":    c.Space.RefreshInterval,
		"free_space.check_interval": c.FreeSpace.CheckInterval,
		"free_space.rearm_after":    c.FreeSpace.RearmAfter,
	}
	for key, value := range durations {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if len(c.Monitor.MediaRoots) == 0 {
		return fmt.Errorf("monitor.media_roots must not be empty")
	}
	if c.FreeSpace.MinimumSpaceMiB < 0 {
		return fmt.Errorf("free_space.minimum_space_mib must not be negative")
	}
	if c.FreeSpace.MinimumPercentage < 0 || c.FreeSpace.MinimumPercentage > 100 {
		return fmt.Errorf("free_space.minimum_space_percentage must be within 0..100")
	}
	return nil
}

func parseDuration(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", value)
	}
	return d, nil
}

// 以下访问器在 Validate 通过后使用，解析失败时返回 0

func (c *Config) duration(value string) time.Duration {
	d, _ := parseDuration(value)
	return d
}

func (c *Config) PollInterval() time.Duration { return c.duration(c.Monitor.PollInterval) }

func (c *Config) MountSettle() time.Duration { return c.duration(c.Monitor.MountSettle) }

func (c *Config) OperationTimeout() time.Duration { return c.duration(c.Monitor.OpTimeout) }

func (c *Config) SpaceRefresh() time.Duration { return c.duration(c.Space.RefreshInterval) }

func (c *Config) FreeSpaceInterval() time.Duration { return c.duration(c.FreeSpace.CheckInterval) }

func (c *Config) FreeSpaceRearm() time.Duration { return c.duration(c.FreeSpace.RearmAfter) }
