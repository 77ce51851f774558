package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/httpclient"
)

func newRoutesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect and change the routing table",
	}

	cmd.AddCommand(newRoutesListCommand())
	cmd.AddCommand(newRoutesGetCommand())
	cmd.AddCommand(newRoutesAddCommand())
	cmd.AddCommand(newRoutesDeleteCommand())

	return cmd
}

func newRoutesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all routing table entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			resp, err := client.ListRoutes(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Routes) == 0 {
				fmt.Fprintln(out, "No routes")
				return nil
			}
			fmt.Fprintf(out, "Found %d route(s):\n\n", len(resp.Routes))
			for _, route := range resp.Routes {
				printRoute(out, route)
			}
			return nil
		},
	}
}

func newRoutesGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <participant-id>",
		Short: "Show one routing table entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			route, err := client.GetRoute(ctx, args[0])
			if httpclient.IsNotFound(err) {
				return fmt.Errorf("participant %s is not routed", args[0])
			}
			if err != nil {
				return err
			}
			printRoute(cmd.OutOrStdout(), *route)
			return nil
		},
	}
}

func newRoutesAddCommand() *cobra.Command {
	var (
		rawAddress  string
		global      bool
		provisioned bool
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add <participant-id>",
		Short: "Add a next hop",
		Long: `Add a next hop for a participant. The address is given in its tagged form,
as JSON or YAML, for example:

  meshrouter-cli routes add svc --address '{"type":"mqtt","brokerUri":"tcp://broker:1883","topic":"svc"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(rawAddress)
			if err != nil {
				return err
			}
			req := httpclient.AddRouteRequest{
				ParticipantID:   args[0],
				Address:         addr,
				GloballyVisible: global,
				Provisioned:     provisioned,
			}
			if ttl > 0 {
				req.TTL = ttl.String()
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			route, err := client.AddRoute(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Route added:")
			printRoute(cmd.OutOrStdout(), *route)
			return nil
		},
	}

	cmd.Flags().StringVar(&rawAddress, "address", "", "Tagged address as JSON or YAML")
	cmd.Flags().BoolVar(&global, "global", false, "Route is globally visible")
	cmd.Flags().BoolVar(&provisioned, "provisioned", false, "Sticky route that never expires")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Route lifetime; the node default applies when zero")
	cmd.MarkFlagRequired("address")

	return cmd
}

func newRoutesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <participant-id>",
		Short: "Remove a next hop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := client.DeleteRoute(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Route %s deleted\n", args[0])
			return nil
		},
	}
}

// parseAddress decodes a tagged address; YAML is a superset of JSON
func parseAddress(raw string) (address.Address, error) {
	var addr address.Address
	if err := yaml.Unmarshal([]byte(raw), &addr); err != nil {
		return address.Address{}, fmt.Errorf("invalid address: %w", err)
	}
	return addr, nil
}

func printRoute(out io.Writer, route httpclient.RouteInfo) {
	fmt.Fprintf(out, "%s\n", route.ParticipantID)
	fmt.Fprintf(out, "   Address: %s\n", route.Address)
	fmt.Fprintf(out, "   Global: %t  Sticky: %t\n", route.GloballyVisible, route.Sticky)
	if route.ExpiresAt != nil {
		fmt.Fprintf(out, "   Expires: %s\n", route.ExpiresAt.Format(time.RFC3339))
	}
}
