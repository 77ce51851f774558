package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshrouter/pkg/httpclient"
)

func newMulticastCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "multicast",
		Short: "Inspect and change multicast receivers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered patterns and their receivers",
		Args:  cobra.NoArgs,
		RunE:  runMulticastList,
	})
	cmd.AddCommand(newMulticastChangeCommand("add", "Register a multicast receiver", func(ctx context.Context, req httpclient.MulticastReceiverRequest) error {
		return client.AddMulticastReceiver(ctx, req)
	}))
	cmd.AddCommand(newMulticastChangeCommand("remove", "Remove a multicast receiver", func(ctx context.Context, req httpclient.MulticastReceiverRequest) error {
		return client.RemoveMulticastReceiver(ctx, req)
	}))

	return cmd
}

func runMulticastList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := client.ListMulticast(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(resp.Patterns) == 0 {
		fmt.Fprintln(out, "No multicast receivers")
		return nil
	}
	for _, p := range resp.Patterns {
		fmt.Fprintf(out, "%s -> %s\n", p.Pattern, strings.Join(p.Receivers, ", "))
	}
	return nil
}

func newMulticastChangeCommand(use, short string, change func(context.Context, httpclient.MulticastReceiverRequest) error) *cobra.Command {
	var req httpclient.MulticastReceiverRequest

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := change(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Multicast receiver %s %s: %s via %s\n", req.SubscriberID, use, req.MulticastID, req.ProviderID)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.MulticastID, "pattern", "", "Multicast id pattern")
	cmd.Flags().StringVar(&req.SubscriberID, "subscriber", "", "Subscribing participant id")
	cmd.Flags().StringVar(&req.ProviderID, "provider", "", "Providing participant id")
	cmd.MarkFlagRequired("pattern")
	cmd.MarkFlagRequired("subscriber")
	cmd.MarkFlagRequired("provider")

	return cmd
}
