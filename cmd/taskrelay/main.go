package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/taskrelay/internal/config"
	"github.com/stellarlinkco/taskrelay/internal/gateway"
	"github.com/stellarlinkco/taskrelay/internal/relay"
)

var rootCmd = &cobra.Command{
	Use:   "taskrelay",
	Short: "taskrelay - chat commands to a task ledger and back",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the relay (telegram channel + ledger client + liveness endpoint)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show taskrelay status",
	RunE:  runStatus,
}

var parseCmd = &cobra.Command{
	Use:   "parse <text>",
	Short: "Dry-run the command parser on a message and print the result as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runParse,
}

var requesterFlag string

func init() {
	parseCmd.Flags().StringVarP(&requesterFlag, "requester", "r", "cli", "Display name of the requesting user")
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, parseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateGatewayConfig(cfg); err != nil {
		return err
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func validateGatewayConfig(cfg *config.Config) error {
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram token not set. Run 'taskrelay onboard' or set TASKRELAY_TELEGRAM_TOKEN")
	}
	if strings.TrimSpace(cfg.Ledger.URL) == "" {
		return fmt.Errorf("ledger url not set. Edit %s or set TASKRELAY_LEDGER_URL / GAS_WEBHOOK_URL", config.ConfigPath())
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set the telegram token, chat id and ledger url\n", cfgPath)
	fmt.Println("  2. Or set TASKRELAY_TELEGRAM_TOKEN, TASKRELAY_TELEGRAM_CHAT_ID and TASKRELAY_LEDGER_URL")
	fmt.Println("  3. Run 'taskrelay parse \"AA buy milk @bob\"' to check the command syntax")
	fmt.Println("  4. Run 'taskrelay gateway'")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())

	tg := cfg.Channels.Telegram
	fmt.Printf("Telegram: enabled=%v\n", tg.Enabled)
	if tg.Token != "" {
		fmt.Printf("Telegram Token: %s\n", maskSecret(tg.Token))
	} else {
		fmt.Println("Telegram Token: not set")
	}
	if tg.ChatID != "" {
		fmt.Printf("Telegram Chat: %s\n", tg.ChatID)
	} else {
		fmt.Println("Telegram Chat: any")
	}

	if cfg.Ledger.URL != "" {
		fmt.Printf("Ledger URL: %s\n", maskURL(cfg.Ledger.URL))
	} else {
		fmt.Println("Ledger URL: not set")
	}
	fmt.Printf("Ledger Retry: %d attempts, %v apart, %v timeout\n",
		cfg.Ledger.MaxAttempts, cfg.Ledger.RetryDelayDuration(), cfg.Ledger.RequestTimeoutDuration())

	c := cfg.Commands
	fmt.Printf("Commands: prefix=%s repeat=%s help=%s complete=%s approve=%s\n",
		c.Prefix, c.RepeatMarker, c.HelpTrigger, c.CompletionTrigger, c.ApprovalEmoji)
	fmt.Printf("Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)

	return nil
}

type parseOutput struct {
	Command relay.Command     `json:"command"`
	Intent  *relay.TaskIntent `json:"intent,omitempty"`
}

func runParse(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	p := relay.NewParser(cfg.Commands)
	parsed := p.Parse(strings.Join(args, " "))
	out := parseOutput{Command: parsed}
	if parsed.Kind == relay.CommandCreate {
		// No member directory offline: mention tokens fall through to the defaults.
		intent := p.Intent(context.Background(), parsed, requesterFlag, "cli", "", nil)
		out.Intent = &intent
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}

func maskSecret(s string) string {
	if len(s) > 8 {
		return s[:4] + "..." + s[len(s)-4:]
	}
	return "set"
}

// maskURL keeps scheme and host and hides the path, which carries the deployment id.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return maskSecret(raw)
	}
	if u.Path == "" || u.Path == "/" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/" + maskSecret(strings.Trim(u.Path, "/"))
}
