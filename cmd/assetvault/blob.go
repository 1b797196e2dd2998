package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBlobCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Inspect stored blobs",
	}
	cmd.AddCommand(newBlobGetCommand(ctx))
	return cmd
}

func newBlobGetCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <reference>",
		Short: "Write the bytes behind a blob reference to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			data, err := a.blobs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			logger.Info("blob written", zap.String("path", output), zap.Int("size", len(data)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}
