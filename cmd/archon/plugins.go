package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/archon-go/config"
	"github.com/dshills/archon-go/plugin"
	"github.com/dshills/archon-go/server"
)

func pluginsCmd(configPath *string) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect, run and reload tool plugins",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Plugin directory, overriding plugins.dir")

	resolveDir := func() (string, error) {
		if dir != "" {
			return dir, nil
		}
		cfg, err := config.NewLoader().WithConfigPath(*configPath).LoadUnvalidated()
		if err != nil {
			return "", err
		}
		return cfg.Plugins.Dir, nil
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List the tools the plugin directory provides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := resolveDir()
			if err != nil {
				return err
			}
			reg := plugin.NewRegistry(zap.NewNop())
			if err := reg.Reload(d); err != nil {
				return err
			}
			return printTools(cmd.OutOrStdout(), reg.List(), asJSON)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	var serverURL string
	reload := &cobra.Command{
		Use:   "reload",
		Short: "Validate the plugin directory, and reload a running server",
		Long: `Reload loads every manifest in the plugin directory and reports problems.
With --server it then asks the running server to reload its registry.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := resolveDir()
			if err != nil {
				return err
			}
			reg := plugin.NewRegistry(zap.NewNop())
			if err := reg.Reload(d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d tools load from %s\n", reg.Len(), d)

			if serverURL == "" {
				return nil
			}
			tools, err := reloadServer(cmd.Context(), serverURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server reloaded: %d tools\n", len(tools))
			return nil
		},
	}
	reload.Flags().StringVar(&serverURL, "server", "", "Base URL of a running server, for example http://localhost:8000")

	var input, runServer string
	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Call a tool with a JSON input and print its output",
		Long: `Run loads the plugin directory and calls the named tool with --input.
With --server the tool is called by the running server instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in map[string]interface{}
			if err := json.Unmarshal([]byte(input), &in); err != nil {
				return fmt.Errorf("parse --input: %w", err)
			}

			var out map[string]interface{}
			if runServer != "" {
				resp, err := runOnServer(cmd.Context(), runServer, args[0], in)
				if err != nil {
					return err
				}
				out = resp.Output
			} else {
				d, err := resolveDir()
				if err != nil {
					return err
				}
				reg := plugin.NewRegistry(zap.NewNop())
				if err := reg.Reload(d); err != nil {
					return err
				}
				if out, err = reg.Run(cmd.Context(), args[0], in); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	run.Flags().StringVar(&input, "input", "{}", "Tool input as a JSON object")
	run.Flags().StringVar(&runServer, "server", "", "Base URL of a running server to call the tool on")

	cmd.AddCommand(list, reload, run)
	return cmd
}

func printTools(out io.Writer, tools []plugin.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tSOURCE\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Kind, t.Source, t.Description)
	}
	return tw.Flush()
}

func reloadServer(ctx context.Context, baseURL string) ([]plugin.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/plugins/reload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reload server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e server.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("reload server: %s: %s", resp.Status, e.Error)
	}
	var listing server.PluginsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("reload server: %w", err)
	}
	return listing.Tools, nil
}

func runOnServer(ctx context.Context, baseURL, name string, input map[string]interface{}) (server.RunToolResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	body, err := json.Marshal(server.RunToolRequest{Input: input})
	if err != nil {
		return server.RunToolResponse{}, err
	}
	url := strings.TrimRight(baseURL, "/") + "/plugins/" + neturl.PathEscape(name) + "/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return server.RunToolResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return server.RunToolResponse{}, fmt.Errorf("run %s on server: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e server.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return server.RunToolResponse{}, fmt.Errorf("run %s on server: %s: %s", name, resp.Status, e.Error)
	}
	var out server.RunToolResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return server.RunToolResponse{}, fmt.Errorf("run %s on server: %w", name, err)
	}
	return out, nil
}
