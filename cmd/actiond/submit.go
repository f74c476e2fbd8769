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

	"github.com/basket/actiond/internal/actions"
	"github.com/basket/actiond/internal/config"
	"github.com/basket/actiond/internal/persistence"
)

func runSubmitCommand(ctx context.Context, args []string) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: actiond submit <kind> [args-json]")
		return 2
	}
	kind := args[0]
	argsJSON := "{}"
	if len(args) == 2 {
		argsJSON = args[1]
	}
	if !json.Valid([]byte(argsJSON)) {
		fmt.Fprintln(os.Stderr, "args must be a valid JSON document")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	record, err := submitAction(ctx, cfg.BindAddr, kind, json.RawMessage(argsJSON))
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	fmt.Printf("submitted %s (%s)\n", record.ID, record.Kind)
	return 0
}

// runSelftestCommand submits the built-in success selftest and polls the
// record until it reaches a terminal phase.
func runSelftestCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: actiond selftest")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	record, err := submitAction(ctx, cfg.BindAddr, actions.KindSelftestSuccess, json.RawMessage("{}"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "selftest submit: %v\n", err)
		return 1
	}
	fmt.Printf("selftest submitted: %s\n", record.ID)

	final, err := waitTerminal(ctx, cfg.BindAddr, record.ID, 60*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selftest: %v\n", err)
		return 1
	}
	fmt.Printf("selftest finished: %s\n", final.State.Phase)
	if final.State.Phase != persistence.PhaseDone {
		return 1
	}
	return 0
}

func submitAction(ctx context.Context, bindAddr, kind string, args json.RawMessage) (*persistence.ActionRecord, error) {
	payload, err := json.Marshal(map[string]any{"kind": kind, "args": args})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, daemonURL(bindAddr, "/action"), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
	}

	var record persistence.ActionRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &record, nil
}

func waitTerminal(ctx context.Context, bindAddr, id string, timeout time.Duration) (*persistence.ActionRecord, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body, status, err := daemonGet(ctx, bindAddr, "/action/"+id)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("daemon returned %d for action %s", status, id)
		}
		var record persistence.ActionRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		if record.State.Phase.Terminal() {
			return &record, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, errors.New("timed out waiting for terminal phase")
}
