package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/serving"
	"github.com/book-expert/narration-service/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const (
	defaultServiceURL    = "http://127.0.0.1:8080"
	defaultClientTimeout = 10 * time.Second
	defaultPassTimeout   = 10 * time.Minute
	manifestFileName     = "manifest.json"
)

// Client messages.
const (
	msgServiceHealthy    = "Narration service is healthy"
	errServiceNotHealthy = "narration service is not healthy: %w"
	errFetchStatus       = "fetch answered %d (%s)"
	msgFetched           = "Saved %s and %s (%d chunk(s)).\n"
)

var (
	errCredentialsRequired = errors.New("--identity and --secret are required")
	errUnhealthyStatus     = errors.New("unexpected health status")
	errFetchRejected       = errors.New("fetch rejected")
)

// newTriggerCmd asks a running service for one pass over NATS and prints the reply.
func newTriggerCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Request one pass from a running service over NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf(errFailedToLoadConfig, err)
			}

			natsConnection, err := nats.Connect(cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
			}
			defer natsConnection.Close()

			reply, err := triggerPass(cmd.Context(), natsConnection, cfg.NATS.PassSubject, timeout)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), reply)
		},
	}

	cmd.Flags().DurationVar(&timeout, flagTimeout, defaultPassTimeout, flagTimeoutDesc)

	return cmd
}

func triggerPass(
	ctx context.Context,
	natsConnection *nats.Conn,
	subject string,
	timeout time.Duration,
) (worker.PassCompletedEvent, error) {
	var reply worker.PassCompletedEvent

	payload, err := json.Marshal(worker.PassRequestedEvent{Header: worker.NewEventHeader("")})
	if err != nil {
		return reply, fmt.Errorf("failed to marshal pass request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := natsConnection.RequestWithContext(requestCtx, subject, payload)
	if err != nil {
		return reply, fmt.Errorf("pass request on '%s' failed: %w", subject, err)
	}

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return reply, fmt.Errorf("failed to decode pass reply: %w", err)
	}

	return reply, nil
}

// newFetchCmd plays the requester: it saves the document and its manifest locally.
func newFetchCmd() *cobra.Command {
	var serviceURL, identity, secret, output string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a narrated document from a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(identity) == "" || strings.TrimSpace(secret) == "" {
				return errCredentialsRequired
			}

			response, err := fetchDocument(cmd.Context(), serviceURL, identity, secret)
			if err != nil {
				return err
			}

			documentPath, manifestPath, err := saveFetched(output, response)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), msgFetched, documentPath, manifestPath, len(response.Manifest))

			return err
		},
	}

	cmd.Flags().StringVar(&serviceURL, flagURL, defaultServiceURL, flagURLDesc)
	cmd.Flags().StringVar(&identity, flagIdentity, "", flagIdentityDesc)
	cmd.Flags().StringVar(&secret, flagSecret, "", flagSecretDesc)
	cmd.Flags().StringVar(&output, flagOutput, ".", flagOutputDesc)

	return cmd
}

func fetchDocument(ctx context.Context, serviceURL, identity, secret string) (serving.FetchResponse, error) {
	var response serving.FetchResponse

	body, err := json.Marshal(serving.FetchRequest{Identity: identity, Secret: secret})
	if err != nil {
		return response, fmt.Errorf("failed to marshal fetch request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, defaultClientTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost,
		strings.TrimRight(serviceURL, "/")+"/api/fetch", bytes.NewReader(body))
	if err != nil {
		return response, fmt.Errorf("failed to create fetch request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return response, fmt.Errorf("failed to send fetch request: %w", err)
	}
	defer resp.Body.Close()

	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return response, fmt.Errorf("failed to decode fetch response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || response.Status != serving.StatusOK {
		return response, fmt.Errorf("%w: "+errFetchStatus, errFetchRejected, resp.StatusCode, response.Status)
	}

	return response, nil
}

func saveFetched(dir string, response serving.FetchResponse) (string, string, error) {
	document, err := base64.StdEncoding.DecodeString(response.DocumentBase64)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode document: %w", err)
	}

	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return "", "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	documentPath := filepath.Join(dir, filepath.Base(response.DocumentName))

	err = os.WriteFile(documentPath, document, 0o600)
	if err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", documentPath, err)
	}

	manifest, err := json.MarshalIndent(response.Manifest, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	manifestPath := filepath.Join(dir, manifestFileName)

	err = os.WriteFile(manifestPath, manifest, 0o600)
	if err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", manifestPath, err)
	}

	return documentPath, manifestPath, nil
}

// newHealthCmd performs a service health check and prints the result.
func newHealthCmd() *cobra.Command {
	var serviceURL string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that a running service answers /healthz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := checkHealth(cmd.Context(), serviceURL)
			if err != nil {
				return fmt.Errorf(errServiceNotHealthy, err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), msgServiceHealthy)

			return err
		},
	}

	cmd.Flags().StringVar(&serviceURL, flagURL, defaultServiceURL, flagURLDesc)

	return cmd
}

func checkHealth(ctx context.Context, serviceURL string) error {
	requestCtx, cancel := context.WithTimeout(ctx, defaultClientTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, strings.TrimRight(serviceURL, "/")+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", errUnhealthyStatus, resp.Status)
	}

	return nil
}
