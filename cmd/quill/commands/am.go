package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/quill/ai/provider"
	"github.com/teranos/quill/am"
	"github.com/teranos/quill/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and change quill configuration",
	Long: `am - Show and change quill configuration

Configuration sources (later overrides earlier):
1. Built-in defaults
2. /etc/quill/am.toml
3. ~/.quill/am.toml
4. Project config (./am.toml, searched up from the working directory, or --config)
5. ~/.quill/am_runtime.toml (provider toggles written by quill)
6. QUILL_* environment variables

Provider toggles are picked up by a running server without a restart.

Examples:
  quill am show                        # Effective configuration (TOML)
  quill am show --format json          # Same, as JSON
  quill am validate                    # Check the configuration
  quill am where                       # Which files are in use
  quill am providers                   # Provider families and toggles
  quill am providers disable anthropic # Stop routing to a family
  quill am providers single-backend on # Only try each stage's top backend`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var amProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List provider families and their toggles",
	RunE:  runAmProviders,
}

var amProvidersDisableCmd = &cobra.Command{
	Use:   "disable <family>",
	Short: "Disable a provider family",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleProvider(args[0], false)
	},
}

var amProvidersEnableCmd = &cobra.Command{
	Use:   "enable <family>",
	Short: "Enable a provider family",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleProvider(args[0], true)
	},
}

var amSingleBackendCmd = &cobra.Command{
	Use:       "single-backend <on|off>",
	Short:     "Only try the top-ranked backend of each stage",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runAmSingleBackend,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	amProvidersCmd.AddCommand(amProvidersDisableCmd, amProvidersEnableCmd, amSingleBackendCmd)
	AmCmd.AddCommand(amShowCmd, amValidateCmd, amWhereCmd, amProvidersCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(am.Masked(cfg), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(am.Masked(cfg))
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# quill configuration\n%s", string(data))

	case "toml":
		out, err := am.Show(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# quill configuration\n%s", out)

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	files := []struct{ label, path string }{
		{"SYSTEM", "/etc/quill/am.toml"},
		{"USER", userConfigPath()},
		{"PROJECT", am.ConfigPath()},
		{"RUNTIME", am.RuntimeConfigPath()},
	}

	rows := make([][]string, 0, len(files))
	for _, f := range files {
		state := "missing"
		if f.path == "" {
			state = "none found"
		} else if _, err := os.Stat(f.path); err == nil {
			state = "loaded"
		}
		rows = append(rows, []string{f.label, f.path, state})
	}
	if err := renderTable([]string{"Source", "Path", "State"}, rows); err != nil {
		return err
	}

	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "QUILL_") {
			env = append(env, strings.SplitN(kv, "=", 2)[0])
		}
	}
	if len(env) > 0 {
		sort.Strings(env)
		fmt.Printf("\nEnvironment overrides: %s\n", strings.Join(env, ", "))
	}
	return nil
}

func userConfigPath() string {
	home := am.HomeDir()
	if home == "" {
		return ""
	}
	return filepath.Join(home, "am.toml")
}

var knownFamilies = []string{provider.FamilyOpenRouter, provider.FamilyAnthropic, provider.FamilyLocal}

func runAmProviders(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rows := make([][]string, 0, len(knownFamilies))
	for _, family := range knownFamilies {
		state := "enabled"
		if cfg.Gateway.IsProviderDisabled(family) {
			state = "disabled"
		}
		var backends []string
		for _, id := range cfg.Gateway.Backends {
			if provider.Family(id) == family {
				backends = append(backends, id)
			}
		}
		rows = append(rows, []string{family, state, strings.Join(backends, ", ")})
	}
	if err := renderTable([]string{"Family", "State", "Default backends"}, rows); err != nil {
		return err
	}
	fmt.Printf("\nSingle backend: %v\n", cfg.Gateway.SingleBackend)
	return nil
}

func toggleProvider(family string, enable bool) error {
	if !slices.Contains(knownFamilies, family) {
		return errors.NewInvalidRequestError("unknown provider family %q (known: %s)", family, strings.Join(knownFamilies, ", "))
	}
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	disabled := slices.DeleteFunc(slices.Clone(cfg.Gateway.DisabledProviders), func(p string) bool { return p == family })
	if !enable {
		disabled = append(disabled, family)
	}
	if err := am.UpdateGatewayToggles(disabled, cfg.Gateway.SingleBackend); err != nil {
		return err
	}

	if enable {
		pterm.Success.Printf("Enabled %s\n", family)
	} else {
		pterm.Success.Printf("Disabled %s\n", family)
	}
	pterm.Info.Printf("Written to %s\n", am.RuntimeConfigPath())
	return nil
}

func runAmSingleBackend(cmd *cobra.Command, args []string) error {
	var on bool
	switch strings.ToLower(args[0]) {
	case "on", "true":
		on = true
	case "off", "false":
	default:
		return errors.NewInvalidRequestError("want on or off, got %q", args[0])
	}

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := am.UpdateGatewayToggles(cfg.Gateway.DisabledProviders, on); err != nil {
		return err
	}
	pterm.Success.Printf("Single backend %s\n", args[0])
	return nil
}
