package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/gigi-dev/gigi/internal/agent"
	"github.com/gigi-dev/gigi/internal/config"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/webhook"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard: config file, database, webhook secret",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			if err := runSetup(cmd.Context()); err != nil {
				fmt.Fprintf(os.Stderr, "setup: %v\n", err)
				os.Exit(1)
			}
		},
	}
}

func runSetup(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var (
		providerKey = cfg.Providers.Anthropic.APIKey
		forgeURL    = cfg.Forge.BaseURL
		forgeToken  = cfg.Forge.Token
		tgToken     = cfg.Channels.Telegram.Token
		tgChatID    = ""
		budget      = "25"
	)
	if cfg.Channels.Telegram.ChatID != 0 {
		tgChatID = strconv.FormatInt(cfg.Channels.Telegram.ChatID, 10)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
				).
				Value(&cfg.Agent.Provider),
			huh.NewInput().
				Title("Provider API key").
				Description("Stored in the config file only if you skip env vars; prefer GIGI_ANTHROPIC_API_KEY / GIGI_OPENAI_API_KEY.").
				EchoMode(huh.EchoModePassword).
				Value(&providerKey),
			huh.NewInput().
				Title("Workspace directory").
				Description("Where the agent reads, writes and runs commands.").
				Value(&cfg.Workspace),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gitea base URL").
				Placeholder("https://git.example.com").
				Description("Leave empty to skip forge integration.").
				Value(&forgeURL),
			huh.NewInput().
				Title("Gitea API token").
				EchoMode(huh.EchoModePassword).
				Value(&forgeToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("Leave empty to skip the telegram channel.").
				EchoMode(huh.EchoModePassword).
				Value(&tgToken),
			huh.NewInput().
				Title("Telegram chat ID").
				Description("Only this chat may talk to the bot.").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					_, err := strconv.ParseInt(s, 10, 64)
					return err
				}).
				Value(&tgChatID),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Monthly budget (USD)").
				Description("New turns are refused once the calendar month's spend reaches this.").
				Validate(func(s string) error {
					v, err := strconv.ParseFloat(s, 64)
					if err != nil {
						return fmt.Errorf("not a number")
					}
					if v <= 0 {
						return fmt.Errorf("must be positive")
					}
					return nil
				}).
				Value(&budget),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Forge.BaseURL = forgeURL
	cfg.Forge.Token = forgeToken
	cfg.Channels.Telegram.Token = tgToken
	if tgChatID != "" {
		cfg.Channels.Telegram.ChatID, _ = strconv.ParseInt(tgChatID, 10, 64)
	}
	cfg.Channels.Telegram.Enabled = tgToken != "" && cfg.Channels.Telegram.ChatID != 0

	switch cfg.Agent.Provider {
	case "openai":
		cfg.Providers.OpenAI.APIKey = providerKey
	default:
		cfg.Providers.Anthropic.APIKey = providerKey
	}

	path := resolveConfigPath()
	if path == "" {
		path = config.DefaultPath()
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s (secrets are kept out of the file; export them as env vars)\n", path)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetConfig(ctx, agent.BudgetKey, budget); err != nil {
		return err
	}

	// A webhook secret is generated once and reused across runs so the
	// forge-side hook config does not need to change.
	secret, err := st.GetConfig(ctx, webhook.SecretKey)
	if err != nil || secret == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate webhook secret: %w", err)
		}
		secret = hex.EncodeToString(raw)
		if err := st.SetConfig(ctx, webhook.SecretKey, secret); err != nil {
			return err
		}
	}

	fmt.Printf("database ready: %s\n", cfg.Database.Path)
	fmt.Printf("monthly budget: $%s\n", budget)
	if forgeURL != "" {
		fmt.Printf("configure the Gitea webhook:\n  URL:    http://%s:%d/api/webhooks/forge\n  Secret: %s\n",
			cfg.Gateway.Host, cfg.Gateway.Port, secret)
	}
	return nil
}
