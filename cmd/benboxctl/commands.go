package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/drbenjamin/benbox-mcp/pkg/invoker"
	mcpgateway "github.com/drbenjamin/benbox-mcp/pkg/mcp-gateway"
)

func newRoutesCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print which endpoint serves each tool, prompt and resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := a.start(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.closeInvoker(inv)

			routes := inv.Routes()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(routes)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tNAME\tSESSION")
			for _, r := range routes {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Kind, r.Name, r.Session)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print routes as JSON")
	return cmd
}

func newEndpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Print the connection state of every configured endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := a.start(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.closeInvoker(inv)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tROLE\tSTATE\tTOOLS\tPROMPTS\tRESOURCES\tERROR")
			for _, e := range inv.Endpoints() {
				msg := e.Error
				if e.Stage != "" {
					msg = e.Stage + ": " + msg
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", e.Key, e.Role, e.State,
					len(e.Tools), len(e.Prompts), len(e.Resources)+len(e.ResourceTemplates), msg)
			}
			return tw.Flush()
		},
	}
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var (
		addr       string
		path       string
		disableMCP bool
		origins    []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API, the MCP mirror and /metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			inv, err := a.start(ctx, invoker.NewMetrics(reg))
			if err != nil {
				return err
			}
			defer a.closeInvoker(inv)

			if addr == "" {
				addr = a.cfg.Gateway.Addr
			}
			if len(origins) == 0 {
				origins = a.cfg.Gateway.AllowedOrigins
			}
			gw, err := mcpgateway.NewGateway(inv, &mcpgateway.Options{
				Addr:           addr,
				Path:           path,
				DisableMCP:     disableMCP,
				AllowedOrigins: origins,
				CallTimeout:    a.cfg.Timeouts.Call,
				Gatherer:       reg,
				Logger:         a.logger,
			})
			if err != nil {
				return err
			}
			if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("gateway stopped: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: config gateway.addr or :8700)")
	cmd.Flags().StringVar(&path, "path", "/mcp", "path of the MCP mirror")
	cmd.Flags().BoolVar(&disableMCP, "no-mcp", false, "serve only the JSON API")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "CORS origin allowed to call the API (repeatable)")
	return cmd
}
