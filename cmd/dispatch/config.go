package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify dispatch configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/dispatch/config.yaml
Project-specific overrides can be placed in .dispatch.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("scheduler.max_tasks_per_agent: %d\n", cfg.Scheduler.MaxTasksPerAgent)
	fmt.Printf("scheduler.sweep_interval: %s\n", cfg.Scheduler.SweepInterval)
	fmt.Printf("scheduler.task_deadline: %s\n", cfg.Scheduler.TaskDeadline)
	fmt.Printf("nats.url: %s\n", displayString(cfg.NATS.URL))
	fmt.Printf("store.path: %s\n", displayString(cfg.Store.Path))
	fmt.Printf("metrics.addr: %s\n", displayString(cfg.Metrics.Addr))
	fmt.Printf("log.debug_path: %s\n", displayString(cfg.Log.DebugPath))
}

func displayString(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves.
func setConfigKey(cfg *config.Config, key, value string) {
	var err error
	switch key {
	case "scheduler.max_tasks_per_agent":
		cfg.Scheduler.MaxTasksPerAgent, err = strconv.Atoi(value)
	case "scheduler.sweep_interval":
		cfg.Scheduler.SweepInterval, err = time.ParseDuration(value)
	case "scheduler.task_deadline":
		cfg.Scheduler.TaskDeadline, err = time.ParseDuration(value)
	case "nats.url":
		cfg.NATS.URL = value
	case "store.path":
		cfg.Store.Path = value
	case "metrics.addr":
		cfg.Metrics.Addr = value
	case "log.debug_path":
		cfg.Log.DebugPath = value
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown config key %q\n", key)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid value for %s: %v\n", key, err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue returns a configuration value by key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch key {
	case "scheduler.max_tasks_per_agent":
		return strconv.Itoa(cfg.Scheduler.MaxTasksPerAgent), nil
	case "scheduler.sweep_interval":
		return cfg.Scheduler.SweepInterval.String(), nil
	case "scheduler.task_deadline":
		return cfg.Scheduler.TaskDeadline.String(), nil
	case "nats.url":
		return cfg.NATS.URL, nil
	case "store.path":
		return cfg.Store.Path, nil
	case "metrics.addr":
		return cfg.Metrics.Addr, nil
	case "log.debug_path":
		return cfg.Log.DebugPath, nil
	default:
		return "", fmt.Errorf("unknown config key %q", key)
	}
}
