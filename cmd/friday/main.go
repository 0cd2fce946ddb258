package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/config"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/gateway"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "friday",
	Short: "friday - WhatsApp auto-responder that answers as you",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the responder (channels + router + cron)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and persona files",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show friday status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if len(cfg.Provider.APIKeys) == 0 {
		return fmt.Errorf("no AI keys configured. Run 'friday onboard' or set FRIDAY_API_KEYS")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	writeIfNotExists(filepath.Join(cfgDir, "PERSONA.md"), defaultPersonaMD)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s: set owner.jid and your API keys\n", cfgPath)
	fmt.Printf("  2. Edit %s so replies sound like you\n", filepath.Join(cfgDir, "PERSONA.md"))
	fmt.Println("  3. Run 'friday serve' and scan the QR code with WhatsApp")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Owner: %s (%s)\n", cfg.Owner.Name, cfg.Owner.JID)
	fmt.Printf("Model: %s\n", cfg.Provider.Model)
	fmt.Printf("AI keys: %s\n", maskKeys(cfg.Provider.APIKeys))
	if cfg.Admin.APIKey != "" {
		fmt.Printf("Admin key: %s\n", maskKey(cfg.Admin.APIKey))
	} else {
		fmt.Println("Admin key: not set (slash commands only)")
	}
	fmt.Printf("WhatsApp: enabled=%v\n", cfg.Channels.WhatsApp.Enabled)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	dbPath := cfg.Store.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "friday.db")
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("Store: empty (run 'friday serve' to start)")
		return nil
	}
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()
	if stats, err := st.Stats(); err == nil {
		fmt.Printf("Store: %d contacts, %d messages, %d summaries, %d pending follow-ups\n",
			stats.Contacts, stats.Messages, stats.Summaries, stats.PendingFollowUps)
	}

	return nil
}

func maskKeys(keys []string) string {
	if len(keys) == 0 {
		return "not set"
	}
	return fmt.Sprintf("%s (%d in pool)", maskKey(keys[0]), len(keys))
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "set"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultPersonaMD = `# Persona

You are Friday, answering WhatsApp messages on my behalf while I'm busy.

How I write:
- Casual, short sentences, lowercase is fine
- I use "haha" not "lol"
- I never use corporate phrases

Rules:
- Never commit me to meetings or deadlines; say you'll check with me
- Never share my location, financial details, or other people's contacts
- If someone is upset or it's urgent, say I'll get back to them personally
`
