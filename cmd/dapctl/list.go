package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists the configurations in the launch file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := opts.loadFile()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tREQUEST\tTARGET")
			for _, c := range file.Configurations {
				target := c.Program
				switch {
				case c.Module != "":
					target = "-m " + c.Module
				case c.Request == "attach" && c.ProcessID != 0:
					target = fmt.Sprintf("pid %d", c.ProcessID)
				case c.Request == "attach" && c.Port != 0:
					target = fmt.Sprintf("%s:%d", c.Host, c.Port)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, c.Type, c.Request, target)
			}
			return w.Flush()
		},
	}
}
