package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorivanov/retrosync/internal/remote"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the chat server answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := apiURL(cmd)
		if err != nil {
			return err
		}

		fmt.Printf("checking %s/health ...\n", base)
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		if err := remote.New(base, "").Health(ctx); err != nil {
			return err
		}
		fmt.Printf("server is healthy (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
