package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/settings"
)

func init() {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change worker settings",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print settings with credentials masked",
		RunE:  runSettingsGet,
	}
	settingsCmd.AddCommand(getCmd)

	setCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set worker_mode, anthropic_api_key or github_token",
		Long: `Set one setting. An empty VALUE clears a credential. A worker mode change
applies on the next worker start.`,
		Args: cobra.ExactArgs(2),
		RunE: runSettingsSet,
	}
	settingsCmd.AddCommand(setCmd)

	rootCmd.AddCommand(settingsCmd)
}

func printSettings(v settings.View) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return printSettings(a.settings.Get())
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	key, value := args[0], args[1]
	var u settings.Update
	switch key {
	case "worker_mode":
		mode := domain.WorkerMode(value)
		u.WorkerMode = &mode
	case "anthropic_api_key":
		u.AnthropicAPIKey = &value
	case "github_token":
		u.GitHubToken = &value
	default:
		return fmt.Errorf("unknown setting %q", key)
	}

	v, err := a.settings.Update(u)
	if err != nil {
		return err
	}
	return printSettings(v)
}
