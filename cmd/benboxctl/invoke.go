package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drbenjamin/benbox-mcp/pkg/invoker"
	mcpgateway "github.com/drbenjamin/benbox-mcp/pkg/mcp-gateway"
)

// invokeFlags are shared by call, read and prompt.
type invokeFlags struct {
	params     []string
	paramsJSON string
	asJSON     bool
	outFile    string
}

func (f *invokeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "parameter as key=value; values that parse as JSON keep their type (repeatable)")
	cmd.Flags().StringVar(&f.paramsJSON, "params-json", "", "parameters as a JSON object; -p values override its keys")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the normalized result as JSON")
	cmd.Flags().StringVarP(&f.outFile, "output", "o", "", "write binary payloads to this file")
}

func newCallCmd(a *app) *cobra.Command {
	var f invokeFlags
	cmd := &cobra.Command{
		Use:   "call TOOL",
		Short: "Call a tool on whichever endpoint routes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invoke(cmd, invoker.RequestTool, args[0], &f)
		},
	}
	f.register(cmd)
	return cmd
}

func newReadCmd(a *app) *cobra.Command {
	var f invokeFlags
	cmd := &cobra.Command{
		Use:   "read URI",
		Short: "Read a resource; URI templates are expanded with -p values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invoke(cmd, invoker.RequestResource, args[0], &f)
		},
	}
	f.register(cmd)
	return cmd
}

func newPromptCmd(a *app) *cobra.Command {
	var f invokeFlags
	cmd := &cobra.Command{
		Use:   "prompt NAME",
		Short: "Render a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invoke(cmd, invoker.RequestPrompt, args[0], &f)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) invoke(cmd *cobra.Command, kind invoker.RequestKind, name string, f *invokeFlags) error {
	params, err := parseParams(f.paramsJSON, f.params)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	inv, err := a.start(ctx, nil)
	if err != nil {
		return err
	}
	defer a.closeInvoker(inv)

	res, err := inv.Invoke(ctx, invoker.Request{Kind: kind, Name: name, Params: params}, 0)
	if err != nil {
		return err
	}
	return writeResult(cmd.OutOrStdout(), res, f)
}

// parseParams merges a JSON object with key=value pairs. A value that is
// valid JSON (number, bool, object, array, quoted string) is decoded; anything
// else is taken as a plain string.
func parseParams(rawJSON string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &params); err != nil {
			return nil, fmt.Errorf("--params-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q: want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func writeResult(w io.Writer, res *invoker.Result, f *invokeFlags) error {
	if f.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(mcpgateway.NewResultBody(res))
	}
	switch p := res.Payload.(type) {
	case invoker.Binary:
		if f.outFile != "" {
			if err := os.WriteFile(f.outFile, p, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", f.outFile, err)
			}
			_, err := fmt.Fprintf(w, "wrote %d bytes (%s) to %s\n", len(p), res.MIMEType, f.outFile)
			return err
		}
		_, err := fmt.Fprintln(w, base64.StdEncoding.EncodeToString(p))
		return err
	case invoker.Structured:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	default:
		_, err := fmt.Fprintln(w, res.Text())
		return err
	}
}
