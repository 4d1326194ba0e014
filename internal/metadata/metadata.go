// Package metadata reads the instance metadata endpoint available only
// from inside an ECS instance. It provides the instance identity and the
// temporary security credentials for the RAM role bound at creation time.
// Nothing fetched here ever leaves the node.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the link-local metadata endpoint. It is reachable
// only from inside the instance, never over the public network.
const DefaultBaseURL = "http://100.100.100.200"

// Credentials are temporary security credentials for the bound RAM role.
// They are fetched fresh at teardown time and never persisted.
type Credentials struct {
	AccessKeyID     string `json:"AccessKeyId"`
	AccessKeySecret string `json:"AccessKeySecret"`
	SecurityToken   string `json:"SecurityToken"`
	Expiration      string `json:"Expiration"`
}

// Client queries the metadata endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client against DefaultBaseURL.
func New() *Client {
	return NewWithBaseURL(DefaultBaseURL)
}

// NewWithBaseURL creates a Client against an explicit endpoint. Tests
// point this at an httptest server.
func NewWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// InstanceID returns the id of the instance this code runs on.
func (c *Client) InstanceID(ctx context.Context) (string, error) {
	return c.get(ctx, "/latest/meta-data/instance-id")
}

// RegionID returns the region of the instance this code runs on.
func (c *Client) RegionID(ctx context.Context) (string, error) {
	return c.get(ctx, "/latest/meta-data/region-id")
}

// RAMRole returns the name of the RAM role bound to the instance.
func (c *Client) RAMRole(ctx context.Context) (string, error) {
	return c.get(ctx, "/latest/meta-data/ram/security-credentials/")
}

// RoleCredentials fetches the temporary credentials for the given role.
func (c *Client) RoleCredentials(ctx context.Context, role string) (Credentials, error) {
	body, err := c.get(ctx, "/latest/meta-data/ram/security-credentials/"+role)
	if err != nil {
		return Credentials{}, err
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(body), &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials for role %s: %w", role, err)
	}
	if creds.AccessKeyID == "" || creds.AccessKeySecret == "" {
		return Credentials{}, fmt.Errorf("credentials for role %s are incomplete", role)
	}
	return creds, nil
}

func (c *Client) get(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("metadata request %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata query %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata query %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("metadata read %s: %w", path, err)
	}
	return strings.TrimSpace(string(body)), nil
}
