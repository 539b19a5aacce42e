// main package for the narration-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Flag names.
const (
	flagConfig     = "config"
	flagSource     = "source"
	flagGroup      = "group"
	flagOwner      = "owner"
	flagSecret     = "secret"
	flagIdentities = "identities"
	flagInput      = "in"
	flagOutput     = "out"
	flagFile       = "file"
	flagName       = "name"
	flagURL        = "url"
	flagIdentity   = "identity"
	flagTimeout    = "timeout"
	flagWait       = "wait"
)

// Flag descriptions.
const (
	flagConfigDesc     = "Path to project.toml (defaults to $NARRATION_CONFIG, then ./project.toml)"
	flagSourceDesc     = "Source document key, e.g. sources/Quiz 1.pdf"
	flagGroupDesc      = "Group label shown to operators"
	flagOwnerDesc      = "Responsible party label"
	flagSecretDesc     = "Secret the requester must present"
	flagIdentitiesDesc = "Authorized requester identities, separated by ';' or ','"
	flagInputDesc      = "Input file path"
	flagOutputDesc     = "Output path"
	flagFileDesc       = "Local document to upload"
	flagNameDesc       = "Object name below the sources prefix (defaults to the file name)"
	flagURLDesc        = "Base URL of a running narration-service"
	flagIdentityDesc   = "Requester identity"
	flagTimeoutDesc    = "How long to wait for the reply"
	flagWaitDesc       = "How long to keep retrying while a running pass holds the ledger write lock"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "narration-service",
		Short:         "Narrate enumerated-item documents chunk by chunk and serve them with their audio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, flagConfig, "", flagConfigDesc)

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newRunPassCmd(&configPath),
		newDiscoverCmd(&configPath),
		newUploadCmd(&configPath),
		newGrantCmd(&configPath),
		newReanalyzeCmd(&configPath),
		newEncodeWAVCmd(),
		newTriggerCmd(&configPath),
		newFetchCmd(),
		newHealthCmd(),
	)

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
