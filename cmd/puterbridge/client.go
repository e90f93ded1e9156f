package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/puter-bridge/internal/config"
)

const apiTimeout = 3 * time.Second

// gatewayURL turns bind_addr into a base URL the CLI can dial.
func gatewayURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		// A wildcard bind is reachable on loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// apiError is a non-2xx answer from the running gateway.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// callGateway sends one request to the running gateway and decodes a JSON
// answer into out when out is non-nil.
func callGateway(ctx context.Context, cfg config.Config, method, path string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, gatewayURL(cfg.BindAddr)+path, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &apiError{Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
