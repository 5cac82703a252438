// Command approve is the tool-side approval helper. It is invoked by tools
// running inside an agent invocation, opens an approval request on the relay
// server and blocks until a human decides or the wait times out.
//
// Exit status 0 means approved; anything else means the action must not run.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	pollInterval   = time.Second
	defaultTimeout = 120 * time.Second
)

type createRequest struct {
	SessionID string            `json:"sessionId"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
}

type createResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

type pollResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func main() {
	approved, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "approve: %v\n", err)
		os.Exit(2)
	}
	if !approved {
		fmt.Println("DENIED")
		os.Exit(1)
	}
	fmt.Println("APPROVED")
}

func run(args []string) (bool, error) {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	serverURL := fs.String("url", os.Getenv("RELAY_URL"), "relay server base URL")
	sessionID := fs.String("session", os.Getenv("RELAY_SESSION_ID"), "session id of the running invocation")
	timeout := fs.Duration("timeout", defaultTimeout, "how long to wait for a decision")
	if err := fs.Parse(args); err != nil {
		return false, err
	}

	if *serverURL == "" {
		return false, fmt.Errorf("no server URL (set RELAY_URL or -url)")
	}
	if *sessionID == "" {
		return false, fmt.Errorf("no session id (set RELAY_SESSION_ID or -session)")
	}
	if fs.NArg() < 1 {
		return false, fmt.Errorf("usage: approve [flags] <action> [key=value ...]")
	}

	action := fs.Arg(0)
	details := make(map[string]string)
	for _, kv := range fs.Args()[1:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("detail %q is not key=value", kv)
		}
		details[parts[0]] = parts[1]
	}

	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimRight(*serverURL, "/")

	id, err := create(client, base, createRequest{
		SessionID: *sessionID,
		Action:    action,
		Details:   details,
	})
	if err != nil {
		return false, err
	}

	fmt.Fprintf(os.Stderr, "approve: waiting for decision on %s\n", id)

	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		status, err := poll(client, base, id)
		if err != nil {
			return false, err
		}
		switch status {
		case "approved":
			return true, nil
		case "denied":
			return false, nil
		}
		time.Sleep(pollInterval)
	}

	// Timeout is a denial; remove our own pending record so the operator UI
	// stops showing it.
	if err := remove(client, base, id); err != nil {
		fmt.Fprintf(os.Stderr, "approve: cleanup failed: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "approve: no decision after %s, denying\n", *timeout)
	return false, nil
}

func create(client *http.Client, base string, req createRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	resp, err := client.Post(base+"/v1/approvals", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create approval: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var created createResponse
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("bad create response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create failed: %s (status %d)", created.Error, resp.StatusCode)
	}
	return created.ID, nil
}

func poll(client *http.Client, base, id string) (string, error) {
	resp, err := client.Get(base + "/v1/approvals/" + id)
	if err != nil {
		return "", fmt.Errorf("failed to poll approval: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Record vanished (server restart or sweep); treat as denial.
		return "denied", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("poll failed with status %d", resp.StatusCode)
	}

	var state pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return "", fmt.Errorf("bad poll response: %w", err)
	}
	return state.Status, nil
}

func remove(client *http.Client, base, id string) error {
	req, err := http.NewRequest(http.MethodDelete, base+"/v1/approvals/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
