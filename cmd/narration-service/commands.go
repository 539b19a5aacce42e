package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/ledger"
	"github.com/book-expert/narration-service/internal/serving"
	"github.com/book-expert/narration-service/internal/wav"
	"github.com/book-expert/narration-service/internal/worker"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	errSourceRequired = errors.New("--source is required")
	errSecretRequired = errors.New("--secret and --identities are required")
	errUnknownSource  = errors.New("no ledger row for source")
)

// Log messages.
const (
	logServiceStarted = "Narration service started: passes every %s, requests on '%s', HTTP on %s."
	logGranted        = "Granted access to '%s' for %d identities."
	logReanalyze      = "Row '%s' reset for re-analysis."
	logUploaded       = "Uploaded '%s' (%s)."
	logLedgerBusy     = "Ledger is locked by a running pass; retrying in %s."
)

const (
	defaultLedgerWait   = 15 * time.Minute
	ledgerRetryInterval = 2 * time.Second
)

// Operator commands share the ledger with serve, whose pass holds the write lock until it
// flushes.
const ledgerLockNote = `A running pass keeps the ledger write lock until it flushes at the end of the pass.
While it does, this command retries for up to --wait before giving up.`

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run passes on an interval and on NATS requests, and serve the fetch API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.passRunner()
			if err != nil {
				return err
			}

			gate := serving.NewGate(a.ledger.Committed(), a.store)
			handler := serving.NewHandler(gate, a.store, a.cfg.Store.AudioPrefix, a.metrics.Handler(), a.log)
			natsWorker := worker.NewNatsWorker(a.nc, a.cfg.NATS.PassSubject, runner, a.cfg.Budget(), a.log)

			a.log.System(logServiceStarted, a.cfg.Interval(), a.cfg.NATS.PassSubject, a.cfg.Serving.Bind)

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error { return serving.ListenAndServe(groupCtx, a.cfg.Serving.Bind, handler, a.log) })
			group.Go(func() error { return natsWorker.Run(groupCtx) })
			group.Go(func() error { return runner.RunEvery(groupCtx, a.cfg.Interval()) })

			return group.Wait()
		},
	}
}

func newRunPassCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run-pass",
		Short: "Discover new documents, run one time-boxed pass and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.passRunner()
			if err != nil {
				return err
			}

			outcome, runErr := runner.Run(cmd.Context())

			printErr := printJSON(cmd.OutOrStdout(), outcome)
			if runErr != nil {
				return runErr
			}

			return printErr
		},
	}
}

func newDiscoverCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Register source documents the ledger does not know yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			added, err := a.discovery().Discover(cmd.Context())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Discovered %d new document(s).\n", added)

			return err
		},
	}
}

func newUploadCmd(configPath *string) *cobra.Command {
	var file, name string

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Store a local document below the sources prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}

			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if name == "" {
				name = filepath.Base(file)
			}

			obj, err := a.store.Upload(cmd.Context(), path.Join(a.cfg.Store.SourcesPrefix, name), data)
			if err != nil {
				return err
			}

			a.log.Info(logUploaded, obj.Key, humanize.Bytes(obj.Size))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), obj.Key)

			return err
		},
	}

	cmd.Flags().StringVar(&file, flagFile, "", flagFileDesc)
	cmd.Flags().StringVar(&name, flagName, "", flagNameDesc)
	_ = cmd.MarkFlagRequired(flagFile)

	return cmd
}

func newGrantCmd(configPath *string) *cobra.Command {
	var source, group, owner, secret, identities string

	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Set the serving credentials of a ledger row",
		Long:  "Set the serving credentials of a ledger row.\n\n" + ledgerLockNote,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			access, err := accessFromFlags(source, group, owner, secret, identities)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			err = retryWhileBusy(cmd.Context(), wait, ledgerRetryInterval, a.log, func() error {
				setErr := a.ledger.SetAccess(cmd.Context(), source, access)
				if setErr != nil {
					return setErr
				}

				return a.ledger.Flush(cmd.Context())
			})
			if err != nil {
				return err
			}

			a.log.Info(logGranted, source, len(access.Identities))

			return nil
		},
	}

	cmd.Flags().StringVar(&source, flagSource, "", flagSourceDesc)
	cmd.Flags().StringVar(&group, flagGroup, "", flagGroupDesc)
	cmd.Flags().StringVar(&owner, flagOwner, "", flagOwnerDesc)
	cmd.Flags().StringVar(&secret, flagSecret, "", flagSecretDesc)
	cmd.Flags().StringVar(&identities, flagIdentities, "", flagIdentitiesDesc)
	cmd.Flags().DurationVar(&wait, flagWait, defaultLedgerWait, flagWaitDesc)

	return cmd
}

// accessFromFlags validates grant input before any resource is opened.
func accessFromFlags(source, group, owner, secret, identities string) (core.AccessControl, error) {
	if strings.TrimSpace(source) == "" {
		return core.AccessControl{}, errSourceRequired
	}

	parsed := core.ParseIdentities(identities)
	if strings.TrimSpace(secret) == "" || len(parsed) == 0 {
		return core.AccessControl{}, errSecretRequired
	}

	return core.AccessControl{
		Group:      strings.TrimSpace(group),
		Owner:      strings.TrimSpace(owner),
		Secret:     strings.TrimSpace(secret),
		Identities: parsed,
	}, nil
}

func newReanalyzeCmd(configPath *string) *cobra.Command {
	var source string

	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "reanalyze",
		Short: "Reset a row to Discovered so its chunk count is derived again",
		Long:  "Reset a row to Discovered so its chunk count is derived again.\n\n" + ledgerLockNote,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(source) == "" {
				return errSourceRequired
			}

			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			err = retryWhileBusy(cmd.Context(), wait, ledgerRetryInterval, a.log, func() error {
				return resetRow(cmd.Context(), a.ledger, source)
			})
			if err != nil {
				return err
			}

			a.log.Info(logReanalyze, source)

			return nil
		},
	}

	cmd.Flags().StringVar(&source, flagSource, "", flagSourceDesc)
	cmd.Flags().DurationVar(&wait, flagWait, defaultLedgerWait, flagWaitDesc)

	return cmd
}

func resetRow(ctx context.Context, rows core.Ledger, source string) error {
	all, err := rows.ReadAll(ctx)
	if err != nil {
		return err
	}

	for _, row := range all {
		if row.SourceRef != source {
			continue
		}

		row.Progress = core.Discovered{}

		writeErr := rows.WriteRow(ctx, row)
		if writeErr != nil {
			return writeErr
		}

		return rows.Flush(ctx)
	}

	return fmt.Errorf("%w: %s", errUnknownSource, source)
}

// retryWhileBusy runs write until it stops failing with ledger.ErrBusy or wait runs out.
func retryWhileBusy(
	ctx context.Context,
	wait, interval time.Duration,
	log *logger.Logger,
	write func() error,
) error {
	deadline := time.Now().Add(wait)

	for {
		err := write()
		if !errors.Is(err, ledger.ErrBusy) || !time.Now().Add(interval).Before(deadline) {
			return err
		}

		log.Warn(logLedgerBusy, interval)

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for the ledger: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}

func newEncodeWAVCmd() *cobra.Command {
	var input, output string

	cmd := &cobra.Command{
		Use:   "encode-wav",
		Short: "Wrap raw 16-bit mono 24 kHz PCM in a WAV container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pcm, err := os.ReadFile(input)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", input, err)
			}

			encoded := wav.Encode(pcm)

			err = os.WriteFile(output, encoded, 0o600)
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s).\n", output, humanize.Bytes(uint64(len(encoded))))

			return err
		},
	}

	cmd.Flags().StringVar(&input, flagInput, "", flagInputDesc)
	cmd.Flags().StringVar(&output, flagOutput, "", flagOutputDesc)
	_ = cmd.MarkFlagRequired(flagInput)
	_ = cmd.MarkFlagRequired(flagOutput)

	return cmd
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to print result: %w", err)
	}

	return nil
}
