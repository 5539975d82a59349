package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/internal/config"
	"github.com/pitabwire/addonrt/internal/invocation"
	"github.com/pitabwire/addonrt/internal/observability"
	"github.com/pitabwire/addonrt/model"
)

type callOptions struct {
	integrationID string
	tenantID      string
	subjectID     string
	verbose       bool
}

func newCallCommand(root *rootOptions) *cobra.Command {
	opts := &callOptions{}
	cmd := &cobra.Command{
		Use:   "call <interface:operation> [kwargs-json]",
		Short: "Invoke one operation against a configured integration",
		Long: `call records a new invocation, executes it in-process and prints the
caller-facing view of the terminal record. EVENTUAL operations run to
completion before call exits.

Example:
  addonrt call --integration box-acme --tenant acme --subject user-1 \
    storage:list_child_items '{"item_id":"0"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			// The call completes before the process exits.
			cfg.Scheduler.Mode = "sync"

			logger := zap.NewNop()
			if opts.verbose {
				if logger, err = observability.NewLogger(cfg.Observability); err != nil {
					return fmt.Errorf("logger: %w", err)
				}
			}

			rt, err := buildRuntime(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.close()

			kwargs := "{}"
			if len(args) == 2 {
				kwargs = args[1]
			}
			inv, callErr := rt.service.Call(cmd.Context(), invocation.CallRequest{
				IntegrationID: opts.integrationID,
				Operation:     args[0],
				KwargsJSON:    json.RawMessage(kwargs),
				Caller:        &model.Caller{TenantID: opts.tenantID, SubjectID: opts.subjectID},
			})
			if inv == nil {
				return callErr
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(inv.View()); err != nil {
				return err
			}
			if inv.Status != model.InvocationSuccess {
				return fmt.Errorf("invocation %s ended %s", inv.ID, inv.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.integrationID, "integration", "", "configured integration id")
	cmd.Flags().StringVar(&opts.tenantID, "tenant", "", "tenant the caller acts for")
	cmd.Flags().StringVar(&opts.subjectID, "subject", "", "caller subject id")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log runtime activity to stdout")
	_ = cmd.MarkFlagRequired("integration")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
