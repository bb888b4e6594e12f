// Package upstream implements phase.UpstreamClient against the
// wireless controller's REST API. It builds one circuit breaker per
// configured upstream region; every phase.UpstreamClient method sends
// its request through the "default" region's base URL and breaker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fleetwire/provisioner/internal/config"
	"github.com/fleetwire/provisioner/internal/logger"
)

// Client calls the upstream controller's REST API through a per-region
// circuit breaker; all of its phase.UpstreamClient methods use the
// default region.
type Client struct {
	http    *http.Client
	baseURL map[string]string
	log     *logger.Logger

	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Client from the upstream configuration.
func New(cfg config.UpstreamConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	c := &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: cfg.ConnPoolSize,
			},
		},
		baseURL:  cfg.BaseURLsByRegion,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for region := range cfg.BaseURLsByRegion {
		region := region
		c.breakers[region] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "upstream-" + region,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= cfg.CircuitBreakerMin && counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("upstream: circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

// defaultRegion is the region every phase.UpstreamClient method of
// Client routes through (phase bodies address a venue, not a region).
const defaultRegion = "default"

func (c *Client) breaker(region string) *gobreaker.CircuitBreaker {
	if b, ok := c.breakers[region]; ok {
		return b
	}
	b, ok := c.breakers[defaultRegion]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "upstream-default"})
		c.breakers[defaultRegion] = b
	}
	return b
}

func (c *Client) baseFor(region string) string {
	if u, ok := c.baseURL[region]; ok {
		return u
	}
	return c.baseURL[defaultRegion]
}

func (c *Client) doJSON(ctx context.Context, region, method, path string, body, out any) error {
	_, err := c.breaker(region).Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("upstream: marshal request: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseFor(region)+path, reader)
		if err != nil {
			return nil, fmt.Errorf("upstream: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("upstream: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, &ClientError{StatusCode: resp.StatusCode}
		}
		if out == nil {
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("upstream: decode response: %w", err)
		}
		return nil, nil
	})
	return err
}

// ClientError wraps a 4xx upstream response. The perunitpsk executors
// do not single it out: they report every upstream error, 4xx
// included, as retryable.
type ClientError struct {
	StatusCode int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("upstream: client error %d", e.StatusCode)
}

type apGroupResponse struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
}

// CreateAPGroup satisfies phase.UpstreamClient.
func (c *Client) CreateAPGroup(ctx context.Context, venueID, name string) (string, string, error) {
	var out apGroupResponse
	if err := c.doJSON(ctx, defaultRegion, http.MethodPost, fmt.Sprintf("/venues/%s/ap-groups", venueID),
		map[string]string{"name": name}, &out); err != nil {
		return "", "", err
	}
	return out.ID, out.ActivityID, nil
}

type findResponse struct {
	ID    string `json:"id"`
	Found bool   `json:"found"`
}

// FindAPGroupByName satisfies phase.UpstreamClient.
func (c *Client) FindAPGroupByName(ctx context.Context, venueID, name string) (string, bool, error) {
	var out findResponse
	if err := c.doJSON(ctx, defaultRegion, http.MethodGet,
		fmt.Sprintf("/venues/%s/ap-groups?name=%s", venueID, name), nil, &out); err != nil {
		return "", false, err
	}
	return out.ID, out.Found, nil
}

type networkResponse struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
}

// CreateNetwork satisfies phase.UpstreamClient.
func (c *Client) CreateNetwork(ctx context.Context, venueID, ssid, password string) (string, string, error) {
	var out networkResponse
	if err := c.doJSON(ctx, defaultRegion, http.MethodPost, fmt.Sprintf("/venues/%s/networks", venueID),
		map[string]string{"ssid": ssid, "password": password}, &out); err != nil {
		return "", "", err
	}
	return out.ID, out.ActivityID, nil
}

// FindNetworkByName satisfies phase.UpstreamClient.
func (c *Client) FindNetworkByName(ctx context.Context, venueID, ssid string) (string, bool, error) {
	var out findResponse
	if err := c.doJSON(ctx, defaultRegion, http.MethodGet,
		fmt.Sprintf("/venues/%s/networks?ssid=%s", venueID, ssid), nil, &out); err != nil {
		return "", false, err
	}
	return out.ID, out.Found, nil
}

type activityResponse struct {
	ActivityID string `json:"activity_id"`
}

// ActivateNetwork satisfies phase.UpstreamClient.
func (c *Client) ActivateNetwork(ctx context.Context, networkID, apGroupID string) (string, error) {
	var out activityResponse
	if err := c.doJSON(ctx, defaultRegion, http.MethodPost, fmt.Sprintf("/networks/%s/activate", networkID),
		map[string]string{"ap_group_id": apGroupID}, &out); err != nil {
		return "", err
	}
	return out.ActivityID, nil
}

// AssignAPs satisfies phase.UpstreamClient.
func (c *Client) AssignAPs(ctx context.Context, apGroupID string, apIdentifiers []string, vlan string) (string, error) {
	var out activityResponse
	if err := c.doJSON(ctx, defaultRegion, http.MethodPost, fmt.Sprintf("/ap-groups/%s/aps", apGroupID),
		map[string]any{"aps": apIdentifiers, "vlan": vlan}, &out); err != nil {
		return "", err
	}
	return out.ActivityID, nil
}

type dpskPoolResponse struct {
	ID string `json:"id"`
}

// CreateDPSKPool satisfies phase.UpstreamClient.
func (c *Client) CreateDPSKPool(ctx context.Context, networkID, name string) (string, error) {
	var out dpskPoolResponse
	if err := c.doJSON(ctx, defaultRegion, http.MethodPost, fmt.Sprintf("/networks/%s/dpsk-pools", networkID),
		map[string]string{"name": name}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

type pollResponse struct {
	Done    bool           `json:"done"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
}

// PollActivity satisfies phase.UpstreamClient.
func (c *Client) PollActivity(ctx context.Context, activityID string) (bool, bool, map[string]any, error) {
	var out pollResponse
	if err := c.doJSON(ctx, defaultRegion, http.MethodGet, fmt.Sprintf("/activities/%s", activityID), nil, &out); err != nil {
		return false, false, nil, err
	}
	return out.Done, out.Success, out.Data, nil
}

type listAPsResponse struct {
	Serials []string `json:"serials"`
}

// ListVenueAPs satisfies phase.UpstreamClient.
func (c *Client) ListVenueAPs(ctx context.Context, venueID string) ([]string, error) {
	var out listAPsResponse
	if err := c.doJSON(ctx, defaultRegion, http.MethodGet, fmt.Sprintf("/venues/%s/aps", venueID), nil, &out); err != nil {
		return nil, err
	}
	return out.Serials, nil
}
