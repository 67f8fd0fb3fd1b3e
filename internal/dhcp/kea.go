/*
Package dhcp talks to a Kea DHCP server through its command HTTP API.

The client retries every command up to a configured number of attempts.
Timeouts and other transport failures are both retryable; once the
attempts are exhausted the failure surfaces as ErrDHCPConfiguration
with the last underlying error attached. Callers never see transient
broker hiccups, only the final verdict.

Reservation management works against the server configuration: Kea's
runtime host commands are a premium hook, so the client reads the whole
config, edits the reservation list and writes it back.
*/
package dhcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/metalfleet/inspectd/internal/core/config"
	"github.com/metalfleet/inspectd/internal/types"
)

// Service names in Kea command routing.
const (
	ServiceDHCP4 = "dhcp4"
	ServiceDHCP6 = "dhcp6"
)

// Client is a retrying Kea command API client.
type Client struct {
	url        string
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a client from configuration. A missing URL is a
// configuration error, not a disabled feature.
func NewClient(cfg config.KeaConfig, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: kea URL must be specified in configuration", types.ErrDHCPConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        cfg.URL,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}, nil
}

type commandRequest struct {
	Command   string         `json:"command"`
	Service   []string       `json:"service"`
	Arguments map[string]any `json:"arguments"`
}

// makeRequest issues one Kea command with the retry contract applied.
func (c *Client) makeRequest(ctx context.Context, command string, arguments map[string]any, services ...string) (map[string]any, error) {
	if len(services) == 0 {
		services = []string{ServiceDHCP4}
	}
	body, err := json.Marshal(commandRequest{
		Command:   command,
		Service:   services,
		Arguments: arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", command, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		result, err := c.post(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if isTimeout(err) {
			c.logger.WarnContext(ctx, "kea: timeout",
				"command", command, "attempt", attempt, "max", c.maxRetries)
			continue
		}
		if attempt == c.maxRetries {
			break
		}
		c.logger.WarnContext(ctx, "kea: request failed",
			"command", command, "attempt", attempt, "max", c.maxRetries, "error", err)
	}

	c.logger.ErrorContext(ctx, "kea: command failed",
		"command", command, "error", lastErr)
	return nil, fmt.Errorf("%w: failed to execute %s: %v", types.ErrDHCPConfiguration, command, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// GetConfig retrieves the current server configuration.
func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	return c.makeRequest(ctx, "config-get", map[string]any{})
}

// SetConfig replaces the server configuration.
func (c *Client) SetConfig(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	return c.makeRequest(ctx, "config-set", map[string]any{"config": cfg})
}

// AddSubnet registers a new subnet for the given IP version (4 or 6).
func (c *Client) AddSubnet(ctx context.Context, subnet map[string]any, ipVersion int) (map[string]any, error) {
	return c.makeRequest(ctx, fmt.Sprintf("subnet%d-add", ipVersion), map[string]any{"subnet": subnet})
}

// Statistics retrieves all server statistics.
func (c *Client) Statistics(ctx context.Context) (map[string]any, error) {
	return c.makeRequest(ctx, "statistic-get-all", map[string]any{})
}

// UpdateHostReservation upserts the reservation for hw-address with the
// given option-data list. Existing reservations for the same MAC are
// overwritten, so the call is idempotent.
func (c *Client) UpdateHostReservation(ctx context.Context, hwAddress string, options []map[string]any) error {
	return c.editReservations(ctx, func(reservations []any) []any {
		optionData := make([]any, 0, len(options))
		for _, opt := range options {
			optionData = append(optionData, opt)
		}
		for _, entry := range reservations {
			if r, ok := entry.(map[string]any); ok && r["hw-address"] == hwAddress {
				r["option-data"] = optionData
				return reservations
			}
		}
		return append(reservations, map[string]any{
			"hw-address":  hwAddress,
			"option-data": optionData,
		})
	})
}

// RemoveHostReservation deletes the reservation for hw-address. A MAC
// with no reservation is a no-op.
func (c *Client) RemoveHostReservation(ctx context.Context, hwAddress string) error {
	return c.editReservations(ctx, func(reservations []any) []any {
		kept := reservations[:0]
		for _, entry := range reservations {
			if r, ok := entry.(map[string]any); ok && r["hw-address"] == hwAddress {
				continue
			}
			kept = append(kept, entry)
		}
		return kept
	})
}

// editReservations is the read-modify-write cycle shared by reservation
// updates.
func (c *Client) editReservations(ctx context.Context, edit func([]any) []any) error {
	current, err := c.GetConfig(ctx)
	if err != nil {
		return err
	}
	arguments, ok := current["arguments"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: config-get returned no arguments", types.ErrDHCPConfiguration)
	}
	dhcp4, ok := arguments["Dhcp4"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: config-get returned no Dhcp4 section", types.ErrDHCPConfiguration)
	}

	reservations, _ := dhcp4["reservations"].([]any)
	dhcp4["reservations"] = edit(reservations)

	_, err = c.SetConfig(ctx, arguments)
	return err
}

// LeaseAddresses queries the v4 and v6 lease state for each MAC and
// returns every address found. A failing service is logged and skipped
// so one dead DHCP6 daemon cannot hide the v4 answers.
func (c *Client) LeaseAddresses(ctx context.Context, macs []string) []string {
	var addresses []string
	for _, mac := range macs {
		for _, q := range []struct {
			command string
			service string
		}{
			{"lease4-get", ServiceDHCP4},
			{"lease6-get", ServiceDHCP6},
		} {
			response, err := c.makeRequest(ctx, q.command,
				map[string]any{"hw-address": mac}, q.service)
			if err != nil {
				c.logger.WarnContext(ctx, "kea: lease query failed",
					"service", q.service, "mac", mac, "error", err)
				continue
			}
			leases := leaseList(response)
			if len(leases) == 0 {
				c.logger.WarnContext(ctx, "kea: no leases found",
					"service", q.service, "mac", mac)
				continue
			}
			for _, lease := range leases {
				entry, ok := lease.(map[string]any)
				if !ok {
					continue
				}
				if q.service == ServiceDHCP4 {
					if addr, ok := entry["ip-address"].(string); ok {
						addresses = append(addresses, addr)
					}
					continue
				}
				if list, ok := entry["ip-addresses"].([]any); ok {
					for _, v := range list {
						if addr, ok := v.(string); ok {
							addresses = append(addresses, addr)
						}
					}
				}
			}
		}
	}
	return addresses
}

func leaseList(response map[string]any) []any {
	arguments, ok := response["arguments"].(map[string]any)
	if !ok {
		return nil
	}
	leases, _ := arguments["leases"].([]any)
	return leases
}
