package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/slvnlrt/spacedrive/pkg/mutation"
	"github.com/slvnlrt/spacedrive/pkg/session"
)

func newQueryCmd(a *app) *cobra.Command {
	var action bool
	cmd := &cobra.Command{
		Use:   "query <method> [input-json]",
		Short: "Call a daemon query (or action with --action) and print the result",
		Example: `  sdsync query locations.list
  sdsync query files.directory_listing '{"path":"/photos"}'
  sdsync query --action locations.rescan '{"location_id":"l1"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := args[0]
			var input any
			if len(args) == 2 {
				raw := json.RawMessage(args[1])
				if !json.Valid(raw) {
					return fmt.Errorf("input for %s is not valid JSON", method)
				}
				input = raw
			}

			c := session.NewClient(a.cfg, a.log)
			var out json.RawMessage
			var err error
			if action {
				out, err = mutation.New(c, nil, a.log).Mutate(cmd.Context(), method, input)
			} else {
				out, err = c.Query(cmd.Context(), method, input)
			}
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if err := json.Indent(&buf, out, "", "  "); err != nil {
				buf.Reset()
				buf.Write(out)
			}
			buf.WriteByte('\n')
			_, err = a.out.Write(buf.Bytes())
			return err
		},
	}
	cmd.Flags().BoolVar(&action, "action", false, "send the call as an action instead of a query")
	return cmd
}
