package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/datactl/internal/ipc"
	"go.klb.dev/datactl/internal/logging"
)

// bindViper wires a command's flags into a viper instance with the standard
// config file search order and DATACTL_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → DATACTL_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("datactl")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/datactl/")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "datactl"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("DATACTL")
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// addLoggingFlags adds the standard logging flags to a command.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: tinter logs + debug level")
	cmd.Flags().String("log-format", "auto", "log format: auto|text|json")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default: info for service, debug for interactive)")
}

// addConfigFlag adds the --config flag to a command.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// addClientFlags adds the flags shared by commands that talk to a server.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("socket", ipc.SocketPath(), "local server socket")
	f.String("server", "", "remote server host:port (TLS; requires --token)")
	f.String("token", "", "shared secret (must match server)")
	f.String("name", defaultName(), "client name shown in server status")
	addConfigFlag(cmd)
}

// setupLogging reads logging flags from viper and configures slog.
func setupLogging(v *viper.Viper) {
	interactive := v.GetBool("no-background") || logging.IsTTY(os.Stderr)
	logging.Setup(interactive, v.GetString("log-format"), v.GetString("log-level"))
}

// defaultName returns a human-readable identifier for this process.
func defaultName() string {
	if v := os.Getenv("DATACTL_NAME"); v != "" {
		return v
	}
	h, err := os.Hostname()
	if err != nil {
		return "datactl"
	}
	return "datactl@" + h
}
