package sshhost

import (
	"errors"
	"time"

	"github.com/animus-labs/wardeploy/internal/platform/env"
)

type Config struct {
	KnownHostsFile string
	StrictHostKeys bool
	Port           int
	Timeout        time.Duration
}

func ConfigFromEnv() (Config, error) {
	knownHosts, err := env.Path("DEPLOYER_KNOWN_HOSTS", "~/.ssh/known_hosts")
	if err != nil {
		return Config{}, err
	}
	strict, err := env.Bool("DEPLOYER_SSH_STRICT_HOST_KEYS", false)
	if err != nil {
		return Config{}, err
	}
	port, err := env.Int("DEPLOYER_SSH_PORT", 22)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("DEPLOYER_SSH_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		KnownHostsFile: knownHosts,
		StrictHostKeys: strict,
		Port:           port,
		Timeout:        timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.KnownHostsFile == "" {
		return errors.New("DEPLOYER_KNOWN_HOSTS is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("DEPLOYER_SSH_PORT must be between 1 and 65535")
	}
	if c.Timeout <= 0 {
		return errors.New("DEPLOYER_SSH_TIMEOUT must be positive")
	}
	return nil
}
