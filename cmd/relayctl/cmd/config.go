package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validConfigKeys = map[string]bool{
	"server":  true,
	"timeout": true,
	"json":    true,
	"pretty":  true,
	"token":   true,
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relayctl.yaml"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relayctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, map[string]any{
				"server":    viper.GetString("server"),
				"timeout":   viper.GetDuration("timeout").String(),
				"json":      viper.GetBool("json"),
				"pretty":    viper.GetBool("pretty"),
				"token_set": viper.GetString("token") != "",
			})
		}
		fmt.Fprintln(w, "Current configuration:")
		fmt.Fprintf(w, "  Server: %s\n", viper.GetString("server"))
		fmt.Fprintf(w, "  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Fprintf(w, "  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Fprintf(w, "  Pretty JSON: %v\n", viper.GetBool("pretty"))
		fmt.Fprintf(w, "  Token: %v\n", viper.GetString("token") != "")
		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintln(w, "  Warning: pretty=true but jq not found in PATH")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  Config file: none (using defaults)")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  relayctl config set server http://relay.internal:8080
  relayctl config set timeout 90s
  relayctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(key, value); err != nil {
			return err
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\nConfiguration saved to: %s\n", key, value, path)
		return nil
	},
}

// setConfigValue validates and stores one key in viper.
func setConfigValue(key, value string) error {
	if !validConfigKeys[key] {
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: server, timeout, json, pretty, token", key)
	}
	switch key {
	case "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			viper.Set(key, true)
		case "false", "0", "no", "off":
			viper.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration for timeout: %s", value)
		}
		viper.Set(key, d.String())
	default:
		viper.Set(key, value)
	}
	return nil
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("timeout", "60s")
		viper.Set("json", false)
		viper.Set("pretty", false)

		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration, dependencies and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "Configuration check:")
		fmt.Fprintf(w, "  relayctl version: %s\n", Version)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  Config file: not found (using defaults)")
		}
		if checkJQAvailable() {
			fmt.Fprintln(w, "  jq: available")
		} else {
			fmt.Fprintln(w, "  jq: not found in PATH")
		}
		fmt.Fprintf(w, "  Server: %s\n", baseURL())

		st, err := fetchHealth(context.Background())
		switch {
		case err != nil:
			fmt.Fprintf(w, "  Server connectivity: %v\n", err)
		case !st.OK:
			fmt.Fprintf(w, "  Server connectivity: reachable but unhealthy (%s)\n", st.Message)
		default:
			fmt.Fprintln(w, "  Server connectivity: OK")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd, configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
