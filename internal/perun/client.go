// Package perun talks to the Perun attribute store that holds the
// authoritative billing state of every project: granted credits, used
// credits, per-metric billing timestamps and maintainer addresses.
package perun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/config"
)

var (
	// ErrProjectNotFound signals that no group with the requested name
	// exists inside Perun.
	ErrProjectNotFound = errors.New("project not found in perun")

	// ErrBadCredentials signals rejected service credentials.
	ErrBadCredentials = errors.New("perun rejected credentials")

	// ErrResourceNotAssociated signals that the configured resource is not
	// assigned to the group. Perun happily stores attributes for invalid
	// group and resource combinations, so this is checked explicitly.
	ErrResourceNotAssociated = errors.New("resource not associated with group")

	// ErrCreditsGrantedMissing signals a project without a granted-credits
	// value. Such projects cannot be billed at all.
	ErrCreditsGrantedMissing = errors.New("project has no credits granted")

	// ErrCreditsUsedMissing signals a project that has billing timestamps
	// but no used-credits value. State this inconsistent is never repaired
	// automatically.
	ErrCreditsUsedMissing = errors.New("project has billing timestamps but no used credits")
)

// API is the Perun RPC surface used by Store and Group. Tests provide a
// fake, production uses *Client.
type API interface {
	GetGroupByName(ctx context.Context, name string) (int, error)
	GetAttributes(ctx context.Context, groupID int, fullNames []string) ([]Attribute, error)
	SetAttributes(ctx context.Context, groupID int, attrs []Attribute) error
	GetResourceBoundAttributes(ctx context.Context, groupID, resourceID int, fullNames []string) ([]Attribute, error)
	SetResourceBoundAttributes(ctx context.Context, groupID, resourceID int, attrs []Attribute) error
	GetAssignedResourceIDs(ctx context.Context, groupID int) ([]int, error)
}

// Client implements API against the Perun JSON-RPC endpoint.
type Client struct {
	baseURL  string
	login    string
	password string
	voID     int
	http     *http.Client
	logger   *zap.Logger
}

// NewClient creates a Perun RPC client from the service configuration.
func NewClient(cfg config.PerunConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		login:    cfg.Login,
		password: cfg.Password,
		voID:     cfg.VOID,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// rpcError is the error envelope Perun returns with HTTP 200.
type rpcError struct {
	ErrorID string `json:"errorId"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (c *Client) rpc(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding rpc params: %w", err)
	}

	url := c.baseURL + "/json/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.login, c.password)

	c.logger.Debug("perun rpc", zap.String("method", method))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("perun rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: user %q", ErrBadCredentials, c.login)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading perun response: %w", err)
	}

	// Perun signals errors through an envelope in the body, usually with
	// a 2xx status code.
	var rpcErr rpcError
	if json.Unmarshal(raw, &rpcErr) == nil && rpcErr.ErrorID != "" {
		switch rpcErr.Name {
		case "GroupNotExistsException":
			return fmt.Errorf("%w: %s", ErrProjectNotFound, rpcErr.Message)
		default:
			return fmt.Errorf("perun rpc %s failed: %s: %s", method, rpcErr.Name, rpcErr.Message)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("perun rpc %s: unexpected status %d", method, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decoding perun response for %s: %w", method, err)
		}
	}
	return nil
}

// GetGroupByName resolves a group name to its Perun id.
func (c *Client) GetGroupByName(ctx context.Context, name string) (int, error) {
	var group struct {
		ID int `json:"id"`
	}
	params := map[string]any{"vo": c.voID, "name": name}
	if err := c.rpc(ctx, "groupsManager/getGroupByName", params, &group); err != nil {
		return 0, err
	}
	return group.ID, nil
}

// GetAttributes fetches the named group attributes.
func (c *Client) GetAttributes(ctx context.Context, groupID int, fullNames []string) ([]Attribute, error) {
	var attrs []Attribute
	params := map[string]any{"group": groupID, "attrNames": fullNames}
	if err := c.rpc(ctx, "attributesManager/getAttributes", params, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// SetAttributes stores the given group attributes.
func (c *Client) SetAttributes(ctx context.Context, groupID int, attrs []Attribute) error {
	params := map[string]any{"group": groupID, "attributes": attrs}
	return c.rpc(ctx, "attributesManager/setAttributes", params, nil)
}

// GetResourceBoundAttributes fetches attributes bound to a group and
// resource combination.
func (c *Client) GetResourceBoundAttributes(ctx context.Context, groupID, resourceID int, fullNames []string) ([]Attribute, error) {
	var attrs []Attribute
	params := map[string]any{"group": groupID, "resource": resourceID, "attrNames": fullNames}
	if err := c.rpc(ctx, "attributesManager/getAttributes", params, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// SetResourceBoundAttributes stores attributes bound to a group and
// resource combination.
func (c *Client) SetResourceBoundAttributes(ctx context.Context, groupID, resourceID int, attrs []Attribute) error {
	params := map[string]any{"group": groupID, "resource": resourceID, "attributes": attrs}
	return c.rpc(ctx, "attributesManager/setAttributes", params, nil)
}

// GetAssignedResourceIDs lists the ids of all resources assigned to the
// group.
func (c *Client) GetAssignedResourceIDs(ctx context.Context, groupID int) ([]int, error) {
	var resources []struct {
		ID int `json:"id"`
	}
	params := map[string]any{"group": groupID}
	if err := c.rpc(ctx, "resourcesManager/getAssignedResources", params, &resources); err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(resources))
	for _, r := range resources {
		ids = append(ids, r.ID)
	}
	return ids, nil
}
