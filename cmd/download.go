package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gateway-dispatcher/internal/download"
)

func newDownloadCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "download [URL...]",
		Short: "Download files in verified, resumable chunks",
		Long: `Downloads every URL into the output directory. Files are fetched in ranged
chunks spread over the gateway pool; a chunk is written only after its length
has been verified, so an interrupted run resumes where it stopped. Files that
are already complete are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownloadCommand(cmd, args, input)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&input, "input", "", "file listing one URL per line")
	flags.String("output", "downloads", "directory downloads are written to")
	flags.Int64("chunk-size", download.DefaultChunkSize, "bytes per ranged request")
	flags.Bool("no-split", false, "fetch each file with a single request")
	flags.Int("workers", 0, "concurrent downloads (0 means three per gateway)")
	return cmd
}

func runDownloadCommand(cmd *cobra.Command, args []string, input string) error {
	targets := append([]string(nil), args...)
	if input != "" {
		listed, err := readTargets(input)
		if err != nil {
			return err
		}
		targets = append(targets, listed...)
	}
	if len(targets) == 0 {
		return errors.New("no URLs to download")
	}

	ctx := cmd.Context()
	appInstance, err := prepare(ctx)
	if err != nil {
		return err
	}
	downloader, err := appInstance.Downloader()
	if err != nil {
		return err
	}

	jobs := make([]download.Job, 0, len(targets))
	for _, target := range targets {
		jobs = append(jobs, download.Job{URL: target})
	}
	summary, err := downloader.Process(ctx, jobs)
	if err != nil {
		return fmt.Errorf("run downloads: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, f := range summary.Failures {
		if _, err := fmt.Fprintf(out, "failed\t%s\t%v\n", f.Job.URL, f.Err); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(out, "succeeded=%d skipped=%d failed=%d bytes=%d\n",
		summary.Succeeded, summary.Skipped, summary.Failed, summary.Bytes); err != nil {
		return err
	}
	appInstance.Logger().Info("download command finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", summary.Failed, len(jobs))
	}
	return nil
}

// readTargets reads one URL per line, ignoring blanks and # comments.
func readTargets(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return targets, nil
}
