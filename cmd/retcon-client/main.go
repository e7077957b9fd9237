// Command retcon-client is a thin CLI over the retcond request/reply
// socket: send a change notification, list open conflicts, or resolve
// one.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/retcon/retcon/internal/rpc"
	"github.com/retcon/retcon/pkg/cprint"
)

const dialTimeout = 5 * time.Second

func main() {
	var address string

	root := &cobra.Command{
		Use:          "retcon-client",
		Short:        "Talk to a running retcond over its request/reply socket",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&address, "address", "tcp://127.0.0.1:60179", "retcond socket address")

	root.AddCommand(notifyCmd(&address), listConflictsCmd(&address), resolveCmd(&address))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "retcon-client:", err)
		os.Exit(1)
	}
}

func notifyCmd(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "notify ENTITY SOURCE FID",
		Short: "Send a change notification",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := rpc.NewClient(*address, dialTimeout)
			if err := client.Notify(args[0], args[1], args[2]); err != nil {
				return err
			}
			cprint.CreatePrintln("notified", args[0], args[1], args[2])
			return nil
		},
	}
}

func listConflictsCmd(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-conflicts",
		Short: "List open conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := rpc.NewClient(*address, dialTimeout)
			conflicts, err := client.ListConflicts()
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				cprint.BluePrintLn("no open conflicts")
				return nil
			}
			for _, c := range conflicts {
				cprint.BluePrintLn(fmt.Sprintf("diff %s  key %s", c.DiffID, c.InternalKey))
				for _, op := range c.Ops {
					line := fmt.Sprintf("  [%s] %s %s", op.ID, op.Kind, strings.Join(op.Path, "."))
					if op.Kind == "insert" {
						line += " = " + op.Value
					}
					if op.Accepted {
						cprint.CreatePrintln(line + " (accepted)")
					} else {
						cprint.UpdatePrintln(line)
					}
				}
			}
			return nil
		},
	}
}

func resolveCmd(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve DIFF_ID OP_ID...",
		Short: "Accept a subset of a conflict's operations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := rpc.NewClient(*address, dialTimeout)
			if err := client.Resolve(args[0], args[1:]); err != nil {
				return err
			}
			cprint.CreatePrintln("resolved", args[0], "with", strconv.Itoa(len(args[1:])), "operations")
			return nil
		},
	}
}
