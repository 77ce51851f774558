package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshrouter/internal/admin"
	"github.com/rmacdonaldsmith/meshrouter/pkg/httpclient"
)

var (
	// Global flags
	serverURL string
	token     string
	secret    string
	operator  string
	timeout   time.Duration

	// Global client instance
	client *httpclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshrouter-cli",
		Short: "meshrouter admin API command line interface",
		Long: `meshrouter-cli inspects and changes a running node through its admin API:
health, routing table and multicast receivers. It also mints admin tokens and
reads or writes message envelopes offline.`,
		SilenceUsage:      true,
		PersistentPreRunE: initializeClient,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9100", "Admin API URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("MESHROUTER_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "Admin secret; mints an admin token when --token is empty")
	rootCmd.PersistentFlags().StringVar(&operator, "operator", "cli", "Operator name for minted tokens")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newRoutesCommand())
	rootCmd.AddCommand(newMulticastCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newMessageCommand())

	return rootCmd
}

// initializeClient sets up the HTTP client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip client initialization for help and offline commands
	if cmd.Name() == "help" || cmd.Parent() == nil || offline(cmd) {
		return nil
	}

	effectiveToken := token
	if effectiveToken == "" && secret != "" {
		minted, _, err := admin.NewJWTAuth(secret).GenerateToken(operator, true, timeout)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}
		effectiveToken = minted
	}

	var err error
	client, err = httpclient.NewClient(httpclient.Config{
		ServerURL: serverURL,
		Token:     effectiveToken,
		Timeout:   timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// offline reports whether cmd runs without a server
func offline(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["offline"] == "true" {
			return true
		}
	}
	return false
}
