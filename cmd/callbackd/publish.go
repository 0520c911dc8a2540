package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/diary-callbacks/callback"
	"github.com/ggoodman/diary-callbacks/internal/config"
	"github.com/ggoodman/diary-callbacks/relay"
)

func newPublishCmd() *cobra.Command {
	var (
		kind    string
		data    string
		url     string
		token   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <session-id>",
		Short: "Publish a callback event for a session",
		Long: `Publish emits one callback event. With --url it posts to a running
instance's /callbacks endpoint, otherwise it writes to the configured bus
directly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			k := callback.Kind(strings.ToUpper(kind))
			if !k.Valid() {
				return fmt.Errorf("unknown callback type %q", kind)
			}
			if data != "" && !json.Valid([]byte(data)) {
				return errors.New("--data must be valid JSON")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var (
				eventID string
				err     error
			)
			if url != "" {
				eventID, err = publishHTTP(ctx, url, token, sessionID, k, data)
			} else {
				eventID, err = publishBus(ctx, cmd, sessionID, k, data)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), eventID)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "type", string(callback.KindQuestion), "Callback type: QUESTION, ANALYSIS_COMPLETE, DIGEST_COMPLETE or ERROR")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload for the callback")
	cmd.Flags().StringVar(&url, "url", "", "Base URL of a running instance, e.g. http://localhost:8080")
	cmd.Flags().StringVar(&token, "token", "", "Worker bearer token for --url")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	return cmd
}

func rawData(data string) json.RawMessage {
	if data == "" {
		return nil
	}
	return json.RawMessage(data)
}

func publishBus(ctx context.Context, cmd *cobra.Command, sessionID string, kind callback.Kind, data string) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if cfg.Broker == "memory" {
		return "", errors.New("the memory broker is process-local; use --url or BROKER=redis")
	}
	log, err := newLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return "", err
	}
	b, err := openBroker(cfg, log)
	if err != nil {
		return "", err
	}
	defer b.Close()

	var payload any
	if raw := rawData(data); raw != nil {
		payload = raw
	}
	return relay.NewPublisher(b, cfg.Topic, relay.WithLogger(log)).PublishCallback(ctx, sessionID, kind, payload)
}

func publishHTTP(ctx context.Context, baseURL, token, sessionID string, kind callback.Kind, data string) (string, error) {
	body, err := json.Marshal(struct {
		SessionID    string          `json:"sessionId"`
		CallbackType callback.Kind   `json:"callbackType"`
		Data         json.RawMessage `json:"data,omitempty"`
	}{sessionID, kind, rawData(data)})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/callbacks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("post callback: %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	var out struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.EventID, nil
}
