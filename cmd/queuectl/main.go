package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	grpcAddr   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          "queuectl",
		Short:        "Operate the devboard job queue",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("CONFIG_FILE"), "YAML config file")
	root.PersistentFlags().StringVar(&flags.grpcAddr, "grpc", "", "talk to a worker's gRPC service instead of the database")

	root.AddCommand(
		migrateCmd(flags),
		enqueueCmd(flags),
		getCmd(flags),
		statsCmd(flags),
		drainCmd(flags),
		cleanupCmd(flags),
		retryFailedCmd(flags),
		reclaimCmd(flags),
	)
	return root
}
