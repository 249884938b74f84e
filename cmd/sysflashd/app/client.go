package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/sysflash/cmd/sysflashd/app/options"
	"github.com/autopeer-io/sysflash/internal/installer"
	"github.com/autopeer-io/sysflash/internal/registry"
	httpserver "github.com/autopeer-io/sysflash/internal/server/http"
)

// apiClient talks to the local API of a running daemon.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(opts *options.DaemonOptions) *apiClient {
	return &apiClient{
		base:   opts.HttpOptions.URL(),
		client: &http.Client{Timeout: opts.HttpOptions.Timeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var e httpserver.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (%d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func newStatusCommand(ctx context.Context, opts *options.DaemonOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show the installer state and the known updates",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newAPIClient(opts)

			var status httpserver.StatusResponse
			if err := c.do(ctx, http.MethodGet, "/api/v1/status", &status); err != nil {
				return err
			}
			var updates []registry.Update
			if err := c.do(ctx, http.MethodGet, "/api/v1/updates", &updates); err != nil {
				return err
			}

			_, err := fmt.Fprint(cmd.OutOrStdout(), renderStatus(status.Status, updates))
			return err
		},
	}
}

// renderStatus formats the installer status and update list as tables.
func renderStatus(status installer.Status, updates []registry.Update) string {
	summary := uitable.New()
	summary.MaxColWidth = 60
	summary.AddRow("STATE:", status.State)
	if status.InstallingID != "" {
		summary.AddRow("INSTALLING:", status.InstallingID)
	}
	summary.AddRow("NEEDS REBOOT:", strconv.FormatBool(status.NeedsReboot))
	summary.AddRow("AUTO DELETE:", strconv.FormatBool(status.AutoDelete))
	summary.AddRow("FLASHER BOUND:", strconv.FormatBool(status.Bound))

	out := summary.String() + "\n"
	if len(updates) == 0 {
		return out + "\nNo updates found.\n"
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("ID", "STATUS", "PROGRESS", "SIZE", "UPDATED")
	for _, u := range updates {
		progress := strconv.Itoa(u.Progress) + "%"
		if u.Finalizing {
			progress += " (finalizing)"
		}
		table.AddRow(u.ID, u.Status.String(), progress, strconv.FormatInt(u.Size, 10), u.UpdatedAt.Format(time.RFC3339))
	}
	return out + "\n" + table.String() + "\n"
}

func newInstallCommand(ctx context.Context, opts *options.DaemonOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "install UPDATE",
		Short:        "Start installing a known update",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var u registry.Update
			if err := newAPIClient(opts).do(ctx, http.MethodPost, "/api/v1/updates/"+url.PathEscape(args[0])+"/install", &u); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Installing %s (%s)\n", u.ID, u.Status)
			return err
		},
	}
}

func newReconnectCommand(ctx context.Context, opts *options.DaemonOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "reconnect",
		Short:        "Reattach the daemon to a running flasher session",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status installer.Status
			if err := newAPIClient(opts).do(ctx, http.MethodPost, "/api/v1/install/reconnect", &status); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Reconnected, state %s\n", status.State)
			return err
		},
	}
}

func newCancelCommand(ctx context.Context, opts *options.DaemonOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "cancel",
		Short:        "Ask the daemon to cancel the running installation",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newAPIClient(opts).do(ctx, http.MethodPost, "/api/v1/install/cancel", nil)
		},
	}
}
