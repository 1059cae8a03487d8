// Package client talks to the fleet daemon over its unix socket.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
)

// Client issues requests against the daemon API. All methods are safe for
// concurrent use.
type Client struct {
	base string
	http *http.Client
}

// New returns a client dialing the daemon's unix socket. The host in request
// URLs is a placeholder; the transport always dials the socket.
func New(socketPath string) *Client {
	return &Client{
		base: "http://fleetd",
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// NewWithURL returns a client for a daemon reachable at an http base URL.
func NewWithURL(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: http.DefaultClient,
	}
}

// Status holds the daemon's health reply.
type Status struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// Status checks that the daemon is up and reports its backend.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.getJSON(ctx, "/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Launch submits a launch request and invokes handle for every reply message
// until the terminal one. A terminal failure is returned as an error after
// handle has seen it.
func (c *Client) Launch(ctx context.Context, req *api.LaunchRequest, handle func(*api.LaunchReply) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/launch", bytes.NewReader(body))
	if err != nil {
		return errors.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Errorf("calling daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	var failure *api.LaunchFailure
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var reply api.LaunchReply
		if err := json.Unmarshal(line, &reply); err != nil {
			return errors.Errorf("decoding reply: %w", err)
		}
		if handle != nil {
			if err := handle(&reply); err != nil {
				return err
			}
		}
		if reply.Failure != nil {
			failure = reply.Failure
		}
		if reply.Terminal() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Errorf("reading reply stream: %w", err)
	}
	if failure != nil {
		return errors.Errorf("launch failed: %s", failure.Detail)
	}
	return nil
}

// List returns every known instance.
func (c *Client) List(ctx context.Context) ([]api.InstanceInfo, error) {
	var infos []api.InstanceInfo
	if err := c.getJSON(ctx, "/v1/instances", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Info returns details for one instance.
func (c *Client) Info(ctx context.Context, name string) (*api.InstanceInfo, error) {
	var info api.InstanceInfo
	if err := c.getJSON(ctx, "/v1/instances/"+url.PathEscape(name), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Start boots a stopped or suspended instance.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.post(ctx, "/v1/instances/"+url.PathEscape(name)+"/start", nil)
}

// Stop powers an instance off. With force set the daemon skips the graceful
// guest shutdown.
func (c *Client) Stop(ctx context.Context, name string, force bool) error {
	path := "/v1/instances/" + url.PathEscape(name) + "/stop"
	if force {
		path += "?force=true"
	}
	return c.post(ctx, path, nil)
}

// Suspend saves the instance's state to disk and powers it off.
func (c *Client) Suspend(ctx context.Context, name string) error {
	return c.post(ctx, "/v1/instances/"+url.PathEscape(name)+"/suspend", nil)
}

// Delete destroys an instance and everything under its work directory.
func (c *Client) Delete(ctx context.Context, name string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.base+"/v1/instances/"+url.PathEscape(name), nil)
	if err != nil {
		return errors.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Errorf("calling daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return nil
}

// RecordOptIn persists the user's metrics decision.
func (c *Client) RecordOptIn(ctx context.Context, status api.OptInStatus) error {
	return c.post(ctx, "/v1/metrics-opt-in", api.OptInReply{Status: status})
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return errors.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Errorf("calling daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, reader)
	if err != nil {
		return errors.Errorf("building request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Errorf("calling daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return nil
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return errors.New(fmt.Sprintf("daemon error (%d): %s", resp.StatusCode, msg))
}
