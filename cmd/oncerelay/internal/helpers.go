package internal

import (
	"fmt"
	"go/version"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/oncerelay/pkg/config"
	"github.com/tinyland-inc/oncerelay/pkg/logger"
)

const Logo = "👁"

// MinGoVersion is the oldest runtime the run command accepts.
const MinGoVersion = "go1.21"

var (
	appVersion = "dev"
	gitCommit  string
	buildTime  string
	goVersion  string
)

func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".oncerelay", "config.json")
}

// LoadConfig reads .env, then the config file at path (or the default path
// when empty), then the environment.
func LoadConfig(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if path == "" {
		path = GetConfigPath()
	}
	return config.LoadConfig(path)
}

// ConfigureLogger applies the log section of cfg. debug forces debug level.
func ConfigureLogger(cfg *config.Config, debug bool) error {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	waLevel, err := logger.ParseLevel(cfg.Log.WhatsMeowLevel)
	if err != nil {
		return err
	}
	if debug {
		level = logger.DEBUG
	}
	logger.Configure(logger.Options{
		Level:         level,
		WhatsAppLevel: waLevel,
		JSON:          cfg.Log.JSON,
	})
	return nil
}

// CheckRuntime returns an error when v is older than MinGoVersion.
// Development builds are accepted.
func CheckRuntime(v string) error {
	if !version.IsValid(v) {
		return nil
	}
	if version.Compare(version.Lang(v), MinGoVersion) < 0 {
		return fmt.Errorf("oncerelay needs %s or newer, running on %s", MinGoVersion, v)
	}
	return nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := appVersion
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return appVersion
}
