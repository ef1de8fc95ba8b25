package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/screenrec/internal/preflight"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check ffmpeg, codecs, disk space and memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()

		result := preflight.Run(cmd.Context(), preflight.OptionsFromConfig(cfg))
		if doctorJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
		} else {
			for _, c := range result.Checks {
				mark := "ok"
				switch {
				case c.Warning:
					mark = "warn"
				case !c.Passed:
					mark = "FAIL"
				}
				fmt.Printf("[%4s] %-20s %s\n", mark, c.Name, c.Message)
			}
		}
		if !result.OK {
			return errors.New("some checks failed")
		}
		if !doctorJSON {
			fmt.Println("\nReady to record.")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print JSON")
	rootCmd.AddCommand(doctorCmd)
}
