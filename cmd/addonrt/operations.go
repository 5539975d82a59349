package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pitabwire/addonrt/internal/addons"
	"github.com/pitabwire/addonrt/model"
)

type operationRow struct {
	Identifier      string   `json:"identifier"`
	Kind            string   `json:"kind"`
	Capability      string   `json:"capability"`
	Implementations []string `json:"implementations"`
}

func newOperationsCommand() *cobra.Command {
	var (
		asJSON  bool
		granted string
	)
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "List the declared operations of every built-in interface",
		Long: `operations lists each declared operation with its kind, the capability it
requires and the built-in implementations that define it.

Use --granted to show only what a grant such as "ACCESS|UPDATE" may invoke.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *model.Capability
			if cmd.Flags().Changed("granted") {
				var c model.Capability
				if err := c.UnmarshalText([]byte(granted)); err != nil {
					return err
				}
				filter = &c
			}

			rows, err := operationRows(filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tKIND\tCAPABILITY\tIMPLEMENTATIONS")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", r.Identifier, r.Kind, r.Capability, r.Implementations)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().StringVar(&granted, "granted", "", "only list operations this capability set may invoke")
	return cmd
}

func operationRows(granted *model.Capability) ([]operationRow, error) {
	registry, _, err := addons.NewRegistry()
	if err != nil {
		return nil, err
	}

	var rows []operationRow
	for _, iface := range registry.Interfaces() {
		decls := iface.Operations()
		if granted != nil {
			decls = iface.OperationsFor(*granted)
		}
		for _, d := range decls {
			row := operationRow{
				Identifier:      iface.Identifier(d.Name).String(),
				Kind:            string(d.Kind),
				Capability:      d.Capability.String(),
				Implementations: []string{},
			}
			for _, name := range registry.Names() {
				impl, _, err := registry.Resolve(name, d.Name)
				if err == nil && impl.Interface() == iface {
					row.Implementations = append(row.Implementations, name)
				}
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}
