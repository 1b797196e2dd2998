package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/FairForge/assetvault/internal/record"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPersistCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persist <key> [file]",
		Short: "Externalize and store one JSON record (reads stdin without a file)",
		Args:  cobra.RangeArgs(1, 2),
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

			in := cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read record: %w", err)
			}
			raw, err := record.Decode(data)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.pipeline.Persist(cmd.Context(), args[0], raw)
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					logger.Warn("encode result", zap.Error(encErr))
				}
			}
			return err
		},
	}
	return cmd
}
