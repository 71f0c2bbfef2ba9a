package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gateway-dispatcher/internal/dispatcher"
	"github.com/JakeFAU/gateway-dispatcher/internal/retry"
)

func newFetchCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch URLs through the gateway pool and print the bodies",
		Long: `Fetches every URL through the next eligible gateway, retrying with backoff
while gateways fail or are rate limited. JSON payloads are printed compactly on
one line; anything else is printed as text. With --raw the gateway response is
copied to stdout unchanged.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetchCommand(cmd, args, raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "copy the raw gateway response instead of the decoded payload")
	return cmd
}

func runFetchCommand(cmd *cobra.Command, args []string, raw bool) error {
	ctx := cmd.Context()
	appInstance, err := prepare(ctx)
	if err != nil {
		return err
	}
	gw := appInstance.Gateway()
	policy := appInstance.Config().RetryPolicy()
	out := cmd.OutOrStdout()

	for _, target := range args {
		if raw {
			if err := copyRaw(ctx, gw, policy, target, out); err != nil {
				return err
			}
			continue
		}
		body, err := retry.Value(ctx, policy, func(ctx context.Context) (dispatcher.Body, error) {
			return gw.Fetch(ctx, target)
		})
		if err != nil {
			return fmt.Errorf("fetch %s: %w", target, err)
		}
		if err := printBody(out, body); err != nil {
			return err
		}
		appInstance.Logger().Debug("fetched", zap.String("url", target), zap.Int("status", body.StatusCode))
	}
	return nil
}

func copyRaw(ctx context.Context, gw Gateway, policy retry.Policy, target string, out io.Writer) error {
	resp, err := retry.Value(ctx, policy, func(ctx context.Context) (*http.Response, error) {
		return gw.RawFetch(ctx, target)
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("copy %s: %w", target, err)
	}
	return nil
}

func printBody(out io.Writer, body dispatcher.Body) error {
	if !body.IsJSON {
		_, err := fmt.Fprintln(out, body.Text)
		return err
	}
	data, err := json.Marshal(body.JSON)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func newSizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "size URL...",
		Short: "Print the remote size of each URL in bytes",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSizeCommand,
	}
}

func runSizeCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	appInstance, err := prepare(ctx)
	if err != nil {
		return err
	}
	gw := appInstance.Gateway()
	policy := appInstance.Config().RetryPolicy()

	for _, target := range args {
		size, err := retry.Value(ctx, policy, func(ctx context.Context) (int64, error) {
			return gw.FileSize(ctx, target)
		})
		if err != nil {
			return fmt.Errorf("size %s: %w", target, err)
		}
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", target, size); err != nil {
			return err
		}
	}
	return nil
}
