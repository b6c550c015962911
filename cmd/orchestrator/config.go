// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MatthiasValvekens/usbip-orchestrator/registry"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health, metrics and the control API.")
	flag.String("client-listen", ":3250", "The address at which to listen for client agents.")
	flag.String("assignments-file", "/var/lib/usbip-orchestrator/assignments.json", "The file in which device assignments are persisted.")
	flag.Duration("monitor-interval", 0, "How often to rescan the USB bus for plug events; 0 selects the default.")
	flag.Duration("reconcile-interval", 0, "How often to re-drive pending transitions; 0 selects the default.")
	flag.Duration("ack-timeout", 0, "How long to wait for a client to acknowledge a command; 0 selects the default.")
	flag.Duration("heartbeat-interval", 0, "How often to ping connected clients; 0 selects the default.")
	flag.Duration("heartbeat-timeout", 0, "How long a client may stay silent before its connection is dropped; 0 selects the default.")
	flag.Bool("assign-all-overrides", false, "Whether assign_all reassigns devices already assigned to another client.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
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

// getConfiguredPorts reads the port whitelist. Entries are either a plain
// bus id string or a map with busid and label keys.
func getConfiguredPorts() ([]registry.PortSpec, error) {
	raw, ok := viper.Get("ports").([]interface{})
	if !ok {
		return nil, fmt.Errorf("failed to decode ports: expected a list, got %T", viper.Get("ports"))
	}

	ports := make([]registry.PortSpec, len(raw))
	for i, def := range raw {
		if busId, isString := def.(string); isString {
			ports[i] = registry.PortSpec{BusID: busId}
			continue
		}
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &ports[i],
			TagName: "json",
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode port entry %q: %w", def, err)
		}
	}
	for i, port := range ports {
		if port.BusID == "" {
			return nil, fmt.Errorf("port entry %d has no bus id", i)
		}
	}
	return ports, nil
}
