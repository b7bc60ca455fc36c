package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/relay/internal/dispatch"
	"github.com/mattjoyce/relay/internal/log"
	"github.com/mattjoyce/relay/internal/pattern"
	"github.com/mattjoyce/relay/internal/transport"
)

// actOutput is printed by act --meta.
type actOutput struct {
	Result   any            `json:"result"`
	ID       string         `json:"id"`
	Tx       string         `json:"tx"`
	Pattern  string         `json:"pattern,omitempty"`
	Duration string         `json:"duration"`
	Custom   map[string]any `json:"custom,omitempty"`
}

func runAct(args []string) int {
	fs := flag.NewFlagSet("act", flag.ContinueOnError)
	url := fs.String("url", envOr("RELAY_URL", "http://127.0.0.1:8484"), "Remote relay listener")
	secret := fs.String("secret", os.Getenv("RELAY_SECRET"), "Shared signing secret")
	token := fs.String("token", os.Getenv("RELAY_TOKEN"), "Bearer token")
	timeout := fs.Duration("timeout", 30*time.Second, "Call timeout")
	withMeta := fs.Bool("meta", false, "Print call metadata with the result")
	verbose := fs.Bool("v", false, "Log call handling to stderr")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: relay act [flags] MESSAGE")
		return 1
	}

	msg, err := parseMessage(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid message: %v\n", err)
		return 1
	}

	var logOut io.Writer = io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	logger := slog.New(log.NewHandler(logOut, "debug", "text"))

	out, err := forward(msg, transport.ClientConfig{
		URL:     *url,
		Secret:  *secret,
		Token:   *token,
		Timeout: *timeout,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var v any = out.Result
	if *withMeta {
		v = out
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// forward sends msg through a throwaway local instance whose only action is
// a catch-all client, so the call gets ids, timeouts and error codes the
// same way a served call does.
func forward(msg pattern.Message, cc transport.ClientConfig, logger *slog.Logger) (*actOutput, error) {
	in, err := dispatch.New(dispatch.Config{Name: "relay-cli", Timeout: cc.Timeout, Logger: logger})
	if err != nil {
		return nil, err
	}
	client, err := transport.NewClient(cc, transport.WithClientLogger(logger))
	if err != nil {
		return nil, err
	}
	if _, err := in.Client("", client); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cc.Timeout+time.Second)
	defer cancel()
	defer in.Close(ctx)

	res, meta, err := in.Act(ctx, msg)
	if err != nil {
		return nil, err
	}
	out := &actOutput{
		Result:   res,
		ID:       meta.ID,
		Tx:       meta.Tx,
		Pattern:  meta.Pattern,
		Duration: meta.Duration().String(),
	}
	if meta.Custom != nil {
		out.Custom = meta.Custom.Snapshot()
	}
	return out, nil
}

// parseMessage accepts a JSON object or a "key:value,..." pattern string.
func parseMessage(s string) (pattern.Message, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, err
		}
		return pattern.Message(m), nil
	}
	p, err := pattern.Parse(s)
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	return p.Message(), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
