package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("StreamChat Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Backend.BaseURL = prompt(scanner, "Backend base URL", cfg.Backend.BaseURL)
		cfg.Backend.APIKey = prompt(scanner, "Backend API key (optional)", cfg.Backend.APIKey)
		cfg.MaxConcurrentTurns = promptInt(scanner, "Max concurrent turns", cfg.MaxConcurrentTurns)
		cfg.Usage.Model = prompt(scanner, "Tokenizer model for usage counts", cfg.Usage.Model)
		cfg.Metrics.Listen = prompt(scanner, "Observer listen address (optional, e.g. :9090)", cfg.Metrics.Listen)

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func promptInt(scanner *bufio.Scanner, label string, defaultVal int) int {
	if n, err := strconv.Atoi(prompt(scanner, label, strconv.Itoa(defaultVal))); err == nil {
		return n
	}
	return defaultVal
}
