package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/termrelay/internal/gateway"
	"github.com/jkaninda/termrelay/internal/gateway/httpapi"
	"github.com/jkaninda/termrelay/internal/plugin"
	"github.com/jkaninda/termrelay/internal/stream"
)

// Exit codes for the query command.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitDenied             = 2
	ExitGatewayUnavailable = 3
)

var (
	queryMessage    string
	queryGatewayURL string
	queryAPIKey     string
	queryPlugin     string
	queryProfile    string
	queryTimeout    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Send a tool chat request to a running gateway",
	Long: `Send a message to the termrelay gateway and print the streamed answer.

Examples:
  termrelay query -m "scan example.com for open ports" --plugin PORT_SCANNER
  termrelay query -m "find subdomains of example.com" --plugin SUBDOMAIN_FINDER

Exit codes:
  0  success
  1  failure, or the turn finished with an error
  2  unauthorized or rate limited
  3  gateway unavailable`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryMessage, "message", "m", "", "message to send (required)")
	queryCmd.Flags().StringVar(&queryGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL (or TERMRELAY_GATEWAY_URL env)")
	queryCmd.Flags().StringVar(&queryAPIKey, "api-key", "", "API key for gateway authentication (or TERMRELAY_API_KEY env)")
	queryCmd.Flags().StringVar(&queryPlugin, "plugin", "", "plugin wire name, e.g. SSL_SCANNER")
	queryCmd.Flags().StringVar(&queryProfile, "profile", "", "user profile context")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 600, "timeout in seconds")
	_ = queryCmd.MarkFlagRequired("message")
}

func runQuery(_ *cobra.Command, _ []string) error {
	apiKey := goutils.Env("TERMRELAY_API_KEY", queryAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set TERMRELAY_API_KEY)")
		os.Exit(ExitDenied)
	}
	gatewayURL := goutils.Env("TERMRELAY_GATEWAY_URL", queryGatewayURL)

	id := plugin.None
	if queryPlugin != "" {
		parsed, ok := plugin.Parse(queryPlugin)
		if !ok {
			return fmt.Errorf("unknown plugin %q", queryPlugin)
		}
		id = parsed
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryTimeout)*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(gateway.ChatRequest{
		Messages:       []gateway.ChatMessage{{Role: "user", Content: queryMessage}},
		Plugin:         id,
		ProfileContext: queryProfile,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+httpapi.ChatToolsPath, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitGatewayUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eb httpapi.ErrorBody
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &eb) != nil || eb.Error == "" {
			eb.Error = string(body)
		}
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, eb.Error)
		os.Exit(exitCodeFor(resp.StatusCode))
	}

	os.Exit(printStream(resp.Body, os.Stdout, os.Stderr))
	return nil
}

// printStream writes deltas to out until the finish record and returns the
// process exit code.
func printStream(r io.Reader, out, errOut io.Writer) int {
	dec := stream.NewDecoder(r)
	for {
		rec, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(errOut, "Error: stream ended without a finish record")
			} else {
				fmt.Fprintf(errOut, "Error: stream interrupted: %v\n", err)
			}
			return ExitFailure
		}
		switch rec.Kind {
		case stream.KindDelta:
			fmt.Fprint(out, rec.Text)
		case stream.KindFinish:
			fmt.Fprintln(out)
			fmt.Fprintf(errOut, "[finish=%s]\n", rec.FinishReason)
			if rec.FinishReason == stream.FinishError {
				return ExitFailure
			}
			return ExitSuccess
		}
	}
}

func exitCodeFor(status int) int {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return ExitDenied
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ExitGatewayUnavailable
	default:
		return ExitFailure
	}
}
