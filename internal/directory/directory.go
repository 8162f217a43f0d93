// Package directory is the client side of the device directory: it fetches
// the published device identities of other users and claims one-time keys
// for session establishment. The engine consumes its results as a read-only
// view.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"roomcrypt/internal/model"
)

type (
	Client struct {
		host string
		http *http.Client
	}

	// PublishRequest uploads one device's public keys.
	PublishRequest struct {
		UserID      string            `json:"user_id"`
		DeviceID    string            `json:"device_id"`
		IdentityKey string            `json:"identity_key"`
		SigningKey  string            `json:"signing_key"`
		OneTimeKeys map[string]string `json:"one_time_keys"`
	}

	// ClaimRequest asks for a single one-time key of one device.
	ClaimRequest struct {
		UserID    string `json:"user_id"`
		DeviceID  string `json:"device_id"`
		Algorithm string `json:"algorithm"`
	}

	// ClaimResponse returns the claimed key; the key is removed from the
	// pool server-side and never handed out twice.
	ClaimResponse struct {
		KeyID string `json:"key_id"`
		Key   string `json:"key"`
	}
)

func NewClient(host string) *Client {
	return &Client{host: host, http: http.DefaultClient}
}

// Devices fetches the published device identities of userID.
func (c *Client) Devices(ctx context.Context, userID string) ([]model.DeviceIdentity, error) {
	u := url.URL{Scheme: "http", Host: c.host, Path: fmt.Sprintf("/keys/%s", userID)}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: query devices of %s: %s", userID, resp.Status)
	}
	var devices []model.DeviceIdentity
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Publish uploads this device's keys and one-time key pool.
func (c *Client) Publish(ctx context.Context, req PublishRequest) error {
	u := url.URL{Scheme: "http", Host: c.host, Path: "/keys/upload"}
	return c.post(ctx, u.String(), req, nil)
}

// ClaimOneTimeKey consumes one one-time key of (userID, deviceID).
func (c *Client) ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (*ClaimResponse, error) {
	u := url.URL{Scheme: "http", Host: c.host, Path: "/keys/claim"}
	var claimed ClaimResponse
	err := c.post(ctx, u.String(), ClaimRequest{
		UserID:    userID,
		DeviceID:  deviceID,
		Algorithm: "curve25519",
	}, &claimed)
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: %s: %s", url, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
