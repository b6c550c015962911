// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	defaultUSBIPPort      = 3240
	defaultReconnectDelay = 5 * time.Second
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8081", "The address at which to listen for health and metrics.")
	flag.String("server", "", "The host:port of the orchestrator's client listener.")
	flag.Int("usbip-port", defaultUSBIPPort, "The port of the USB/IP daemon on the orchestrator host.")
	flag.String("client-id", "", "The client id to report to the orchestrator; defaults to the hostname.")
	flag.Duration("reconnect-delay", defaultReconnectDelay, "How long to wait before redialing a lost control connection.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbip-orchestrator/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

type agentConfig struct {
	ClientID       string
	ServerAddr     string
	USBIPHost      string
	USBIPPort      int
	ReconnectDelay time.Duration
}

func getAgentConfig() (agentConfig, error) {
	cfg := agentConfig{
		ServerAddr:     viper.GetString("server"),
		USBIPPort:      viper.GetInt("usbip-port"),
		ReconnectDelay: viper.GetDuration("reconnect-delay"),
	}
	if cfg.ServerAddr == "" {
		return cfg, fmt.Errorf("the orchestrator address must be configured")
	}
	host, _, err := net.SplitHostPort(cfg.ServerAddr)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse server address %q: %w", cfg.ServerAddr, err)
	}
	cfg.USBIPHost = host

	clientId := viper.GetString("client-id")
	if clientId == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return cfg, fmt.Errorf("failed to determine hostname: %w", err)
		}
		clientId = hostname
	}
	clientId = strings.ToLower(clientId)
	if errs := validation.IsDNS1123Subdomain(clientId); len(errs) > 0 {
		return cfg, fmt.Errorf("failed to parse client id %q: %s", clientId, strings.Join(errs, ", "))
	}
	cfg.ClientID = clientId

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return cfg, nil
}
