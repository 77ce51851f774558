package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check node health",
		Long:  "Check the health status of a node; exits non-zero when it is unhealthy",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	health, err := client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Node: %s (%s)\n", health.NodeID, health.Role)
	fmt.Fprintf(out, "Router running: %t\n", health.RouterRunning)

	names := make([]string, 0, len(health.Transports))
	for name := range health.Transports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "Transport %s: %t\n", name, health.Transports[name])
	}
	fmt.Fprintf(out, "Routing entries: %d\n", health.RoutingEntries)
	fmt.Fprintf(out, "Multicast patterns: %d\n", health.MulticastPatterns)
	fmt.Fprintf(out, "Connected clients: %d\n", health.ConnectedClients)
	fmt.Fprintf(out, "Routed messages: %d\n", health.RoutedMessages)
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}

	if !health.Healthy {
		return fmt.Errorf("node %s is not healthy", health.NodeID)
	}
	fmt.Fprintln(out, "Node is healthy")
	return nil
}
