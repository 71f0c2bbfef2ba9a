package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe every gateway and report the dead ones",
		Long: `Sends one authenticated request to every gateway in the pool. Gateways
that fail to answer 200 or 206 within the health timeout are reported. The
command fails when no gateway survives.`,
		Args: cobra.NoArgs,
		RunE: runCheckCommand,
	}
}

func runCheckCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	removed, err := appInstance.CheckHealth(cmd.Context())
	if err != nil {
		return err
	}

	dead := make([]int, 0, len(removed))
	for idx := range removed {
		dead = append(dead, idx)
	}
	sort.Ints(dead)
	out := cmd.OutOrStdout()
	for _, idx := range dead {
		if _, err := fmt.Fprintf(out, "dead\t%d\n", idx); err != nil {
			return err
		}
	}
	appInstance.Logger().Info("check finished", zap.Int("dead", len(dead)))
	return nil
}
