package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("interval", 86400)
	v.SetDefault("stop-timeout", 10)
	v.SetDefault("notification-level", "info")

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("interval", "WATCHZ_POLL_INTERVAL")
	v.BindEnv("debug", "WATCHZ_DEBUG")
	v.BindEnv("cleanup", "WATCHZ_CLEANUP")
	v.BindEnv("label-enable", "WATCHZ_LABEL_ENABLE")
	v.BindEnv("monitor-only", "WATCHZ_MONITOR_ONLY")
	v.BindEnv("scope", "WATCHZ_SCOPE")
	v.BindEnv("notification-url", "WATCHZ_NOTIFICATION_URL")
	v.BindEnv("notification-level", "WATCHZ_NOTIFICATION_LEVEL")
	v.BindEnv("notification-report", "WATCHZ_NOTIFICATION_REPORT")
	v.BindEnv("host", "DOCKER_HOST")
	v.BindEnv("username", "DOCKER_USERNAME")
	v.BindEnv("password", "DOCKER_PASSWORD")
}

// Viper exposes the package-level viper instance so the command layer can
// bind its flags over the environment defaults (CLI wins over env, env wins
// over defaults).
func Viper() *viper.Viper {
	return v
}

// Config holds the process-wide configuration. It is immutable after Load.
type Config struct {
	Host       string
	APIVersion string
	TLSVerify  bool

	Interval    time.Duration
	RunOnce     bool
	StopTimeout time.Duration

	Cleanup        bool
	IncludeStopped bool
	ReviveStopped  bool
	MonitorOnly    bool
	NoPull         bool
	NoRestart      bool
	RollingRestart bool

	LabelEnable bool
	Scope       string
	Names       []string

	Debug bool
	Trace bool

	NotificationURLs   []string
	NotificationLevel  string
	NotificationReport bool

	Username string
	Password string
}

// Load materializes the configuration from viper plus the positional
// container names.
func Load(names []string) (*Config, error) {
	cfg := &Config{
		Host:               v.GetString("host"),
		APIVersion:         v.GetString("api-version"),
		TLSVerify:          v.GetBool("tlsverify"),
		Interval:           time.Duration(v.GetInt("interval")) * time.Second,
		RunOnce:            v.GetBool("run-once"),
		StopTimeout:        time.Duration(v.GetInt("stop-timeout")) * time.Second,
		Cleanup:            v.GetBool("cleanup"),
		IncludeStopped:     v.GetBool("include-stopped"),
		ReviveStopped:      v.GetBool("revive-stopped"),
		MonitorOnly:        v.GetBool("monitor-only"),
		NoPull:             v.GetBool("no-pull"),
		NoRestart:          v.GetBool("no-restart"),
		RollingRestart:     v.GetBool("rolling-restart"),
		LabelEnable:        v.GetBool("label-enable"),
		Scope:              v.GetString("scope"),
		Names:              names,
		Debug:              v.GetBool("debug"),
		Trace:              v.GetBool("trace"),
		NotificationLevel:  v.GetString("notification-level"),
		NotificationReport: v.GetBool("notification-report"),
		Username:           v.GetString("username"),
		Password:           v.GetString("password"),
	}

	if urls := v.GetString("notification-url"); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.NotificationURLs = append(cfg.NotificationURLs, u)
			}
		}
	}

	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("invalid poll interval: %v", cfg.Interval)
	}

	if cfg.Host == "" {
		host, err := discoverDockerHost()
		if err != nil {
			return nil, err
		}
		cfg.Host = host
	}

	return cfg, nil
}

// discoverDockerHost probes the usual socket locations when DOCKER_HOST is
// not set.
func discoverDockerHost() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		// Check ~/.docker/run/docker.sock first
		userSocket := filepath.Join(homeDir, ".docker", "run", "docker.sock")
		if _, err := os.Stat(userSocket); err == nil {
			return fmt.Sprintf("unix://%s", userSocket), nil
		}
	}

	systemSocket := "/var/run/docker.sock"
	if _, err := os.Stat(systemSocket); err == nil {
		return fmt.Sprintf("unix://%s", systemSocket), nil
	}

	return "", fmt.Errorf("no Docker socket found in ~/.docker/run/docker.sock or /var/run/docker.sock")
}
