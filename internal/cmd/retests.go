package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"labqc/internal/adapters/audit"
	"labqc/internal/blob"
)

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}

func newCanReleaseCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "can-release <lot-id>",
		Short: "Report whether a lot has no open retest requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lotID, err := parseID(args[0], "lot")
			if err != nil {
				return err
			}
			svc, store, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			ok, err := svc.CanRelease(cmd.Context(), lotID)
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{"lot_id": lotID, "can_release": ok})
		},
	}
}

func newListRetestsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-retests <lot-id>",
		Short: "List every retest request of a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lotID, err := parseID(args[0], "lot")
			if err != nil {
				return err
			}
			svc, store, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			retests, err := svc.ListRetests(cmd.Context(), lotID)
			if err != nil {
				return err
			}
			for _, r := range retests {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%d items\n", r.ID, r.ReferenceNumber, r.Status, len(r.Items))
			}
			return nil
		},
	}
}

func newCompleteRetestCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "complete-retest <retest-id>",
		Short: "Manually complete a retest request after review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "retest")
			if err != nil {
				return err
			}
			svc, store, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			req, err := svc.CompleteManually(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd, req)
		},
	}
}

func newExportHistoryCommand(a *app) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "export-history <lot-id>",
		Short: "Archive the retest history of a lot to the blob store",
		Long: `Writes every retest request of the lot, closed ones included, as a JSON
document under retests/lot-<id>/<timestamp>.json in the configured blob store.
With --list, prints the existing exports instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lotID, err := parseID(args[0], "lot")
			if err != nil {
				return err
			}
			archive, err := blob.Open(cmd.Context(), a.cfg.Blob)
			if err != nil {
				return fmt.Errorf("open blob store: %w", err)
			}
			svc, store, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			exporter := audit.NewExporter(svc, archive, audit.WithLogger(a.logger))
			if list {
				exports, err := exporter.ListExports(cmd.Context(), lotID)
				if err != nil {
					return err
				}
				return writeJSON(cmd, exports)
			}
			info, err := exporter.ExportLot(cmd.Context(), lotID)
			if err != nil {
				return err
			}
			return writeJSON(cmd, info)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list existing exports for the lot")
	return cmd
}
