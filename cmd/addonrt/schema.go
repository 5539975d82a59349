package main

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/spf13/cobra"

	"github.com/pitabwire/addonrt/internal/addons"
	"github.com/pitabwire/addonrt/model"
)

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <interface:operation>",
		Short: "Print the JSON Schemas of an operation's arguments and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseOperationIdentifier(args[0])
			if err != nil {
				return err
			}

			registry, _, err := addons.NewRegistry()
			if err != nil {
				return err
			}
			for _, iface := range registry.Interfaces() {
				if iface.Name() != id.Interface {
					continue
				}
				decl, ok := iface.Lookup(id.Operation)
				if !ok {
					break
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Operation string           `json:"operation"`
					Params    *openapi3.Schema `json:"params"`
					Result    *openapi3.Schema `json:"result"`
				}{id.String(), decl.ParamsSchema(), decl.ResultSchema()})
			}
			return fmt.Errorf("unknown operation %s", id)
		},
	}
}
