package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/chime/pkg/chime/engine"
)

// newSetupCmd creates the `chime setup` command: a wizard generating a
// starter config.yaml.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Guides you through a starter config.yaml: data directory, trigger
keywords, provider endpoint, and the API key (stored in the OS keyring
when available, never in the file).

Examples:
  chime setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := engine.DefaultConfig()

	var (
		keywords  string
		apiKey    string
		proactive = cfg.Proactive.Enabled
		smart     = cfg.Keywords.SmartMode
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Where chime persists attention, history, and scheduler state.").
				Value(&cfg.DataDir),
			huh.NewInput().
				Title("Trigger keywords").
				Description("Comma separated; messages containing one always reach the bot.").
				Value(&keywords),
			huh.NewConfirm().
				Title("Smart mode").
				Description("Keep the judge AI in the loop even for keyword triggers.").
				Value(&smart),
			huh.NewConfirm().
				Title("Proactive messages").
				Description("Let chime start conversations in quiet chats.").
				Value(&proactive),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API base URL").
				Value(&cfg.Provider.BaseURL),
			huh.NewInput().
				Title("Model").
				Value(&cfg.Provider.Model),
			huh.NewInput().
				Title("API key").
				Description("Stored in the OS keyring when available; leave empty to configure later.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	for _, kw := range strings.Split(keywords, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			cfg.Keywords.TriggerKeywords = append(cfg.Keywords.TriggerKeywords, kw)
		}
	}
	cfg.Keywords.SmartMode = smart
	cfg.Proactive.Enabled = proactive

	if apiKey != "" {
		if engine.KeyringAvailable() {
			if err := engine.StoreKeyring("default", apiKey); err != nil {
				return fmt.Errorf("store api key: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
		} else {
			cfg.Provider.APIKey = apiKey
			fmt.Println("No OS keyring available; the key goes into config.yaml. Consider CHIME_API_KEY instead.")
		}
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if err := os.WriteFile("config.yaml", data, 0o600); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	fmt.Println("config.yaml written. Start with: chime serve")
	return nil
}
