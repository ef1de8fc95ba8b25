package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sourcesJSON bool

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List capturable screens and windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())

		sources, err := a.session.Sources(cmd.Context())
		if err != nil {
			return err
		}
		if sourcesJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sources)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tNAME\tBOUNDS")
		for _, s := range sources {
			name := s.Name
			if s.Primary {
				name += " (primary)"
			}
			bounds := "-"
			if s.Bounds != nil {
				bounds = s.Bounds.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Kind, name, bounds)
		}
		return w.Flush()
	},
}

func init() {
	sourcesCmd.Flags().BoolVar(&sourcesJSON, "json", false, "print JSON")
	rootCmd.AddCommand(sourcesCmd)
}
