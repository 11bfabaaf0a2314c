package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ardnew/softreg/pkg/trace"
)

var traceKinds []string

func init() {
	traceCmd.Flags().StringSliceVarP(&traceKinds, "kind", "k", nil, "only show these event kinds (attach, detach, open, close, read, write, interrupt, irq-drop, error)")
	rootCmd.AddCommand(traceCmd)
}

var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Print a CBOR event trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		want := make(map[trace.Kind]bool, len(traceKinds))
		for _, name := range traceKinds {
			k, err := trace.ParseKind(name)
			if err != nil {
				return err
			}
			want[k] = true
		}

		r, err := trace.Open(args[0])
		if err != nil {
			return err
		}
		defer r.Close()

		events, err := r.All(func(e trace.Event) bool {
			return len(want) == 0 || want[e.Kind]
		})
		for _, e := range events {
			fmt.Fprintln(cmd.OutOrStdout(), e)
		}
		return err
	},
}
