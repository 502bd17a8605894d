package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/config"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/logging"
)

const (
	// timestampLayout renders the x-timestamp header and parses the
	// completed_at field on control records. Formatting a UTC time with
	// it yields the +0000 suffix the gateway expects.
	timestampLayout = "20060102150405-0700"

	devicesPath  = "/user/devices"
	controlsPath = "/deviceControls"

	methodQuery   = "GET"
	methodCommand = "SET"

	statusComplete = "complete"
	resultSuccess  = "success_response"
)

// SessionSource supplies access tokens to the API client.
//
// Implemented by SessionManager; tests substitute a stub.
type SessionSource interface {
	// EnsureValid returns a session usable for the next request.
	EnsureValid(ctx context.Context) (Session, error)
	// Invalidate discards the cached session after the API rejects it.
	Invalidate()
}

// Client talks to the vendor's device gateway.
//
// The gateway is a thin queue in front of the fans: commands and state
// queries are posted as control records, the fan picks them up on its
// next keepalive, and completed records (with the fan's reply packet)
// appear in the account's control log shortly after. Reads therefore
// post a query, wait for the pipeline to settle, then scan the log for
// the newest completed reply per fan.
//
// All methods are safe for concurrent use.
type Client struct {
	baseURL     string
	apiKey      string
	settleDelay time.Duration

	sessions   SessionSource
	httpClient *http.Client
	logger     *logging.Logger

	// now is swappable for timestamp tests.
	now func() time.Time
}

// NewClient creates a device API client.
//
// Parameters:
//   - cfg: Cloud configuration (gateway URL, API key, HTTP timeout)
//   - settleDelay: Wait between posting a query and reading the control log
//   - sessions: Token source, normally the SessionManager
//   - logger: Structured logger
//
// Returns:
//   - *Client: Client ready for use
func NewClient(cfg config.CloudConfig, settleDelay time.Duration, sessions SessionSource, logger *logging.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.API.BaseURL, "/"),
		apiKey:      cfg.API.Key,
		settleDelay: settleDelay,
		sessions:    sessions,
		httpClient:  &http.Client{Timeout: cfg.GetHTTPTimeout()},
		logger:      logger,
		now:         time.Now,
	}
}

// Discover fetches the account's registered fans.
//
// Duplicate appliance IDs in the response are collapsed, keeping the
// last occurrence.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//
// Returns:
//   - []fan.Descriptor: One descriptor per fan on the account
//   - error: Classified by the package error taxonomy
func (c *Client) Discover(ctx context.Context) ([]fan.Descriptor, error) {
	var resp devicesResponse
	if err := c.request(ctx, http.MethodGet, devicesPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching device list: %w", err)
	}

	descriptors := make([]fan.Descriptor, 0, len(resp.Devices))
	index := make(map[string]int, len(resp.Devices))
	for _, rec := range resp.Devices {
		if rec.ApplianceID == "" {
			c.logger.Warn("device record without appliance id skipped",
				"serial_number", rec.SerialNumber)
			continue
		}

		d := fan.Descriptor{
			DeviceID:     rec.ApplianceID,
			Name:         deviceName(rec),
			Model:        rec.ProductCode,
			SerialNumber: rec.SerialNumber,
			Capabilities: fan.AllCapabilities(),
		}

		if at, ok := index[rec.ApplianceID]; ok {
			c.logger.Warn("duplicate appliance id in device list, keeping the last entry",
				"device_id", rec.ApplianceID)
			descriptors[at] = d
			continue
		}
		index[rec.ApplianceID] = len(descriptors)
		descriptors = append(descriptors, d)
	}

	c.logger.Debug("device discovery complete", "count", len(descriptors))
	return descriptors, nil
}

// FetchStates retrieves the current state of the given fans in one
// batched exchange: a query control per fan, one settle wait, then a
// single scan of the control log.
//
// A fan whose reply is missing or undecodable is absent from the
// result rather than failing the batch; callers treat absence as
// "no fresh data this cycle".
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceIDs: Appliance IDs to query
//
// Returns:
//   - map[string]fan.State: Decoded states keyed by appliance ID
//   - error: Classified by the package error taxonomy
func (c *Client) FetchStates(ctx context.Context, deviceIDs []string) (map[string]fan.State, error) {
	if len(deviceIDs) == 0 {
		return map[string]fan.State{}, nil
	}

	for _, id := range deviceIDs {
		if err := c.postControl(ctx, id, methodQuery, queryPacket); err != nil {
			return nil, fmt.Errorf("posting state query for %s: %w", id, err)
		}
	}

	if err := c.settle(ctx); err != nil {
		return nil, err
	}

	states, err := c.readControlLog(ctx, deviceIDs)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("state batch fetched",
		"requested", len(deviceIDs), "resolved", len(states))
	return states, nil
}

// FetchState retrieves the current state of a single fan.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Appliance ID to query
//
// Returns:
//   - fan.State: Decoded state with Revision set from the control record
//   - error: ErrTransient when no completed reply has appeared yet
func (c *Client) FetchState(ctx context.Context, deviceID string) (fan.State, error) {
	if err := c.postControl(ctx, deviceID, methodQuery, queryPacket); err != nil {
		return fan.State{}, fmt.Errorf("posting state query for %s: %w", deviceID, err)
	}

	if err := c.settle(ctx); err != nil {
		return fan.State{}, err
	}

	states, err := c.readControlLog(ctx, []string{deviceID})
	if err != nil {
		return fan.State{}, err
	}

	state, ok := states[deviceID]
	if !ok {
		return fan.State{}, fmt.Errorf("%w: no completed state reply for %s", ErrTransient, deviceID)
	}
	return state, nil
}

// Apply sends a command packet for the desired state and reads the fan
// back to confirm what it actually applied.
//
// The gateway only queues the packet, so the readback doubles as the
// acknowledgement: the returned state is what the fan reported after
// executing the command, which the caller compares against the desired
// state.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Appliance ID to command
//   - desired: Full target state (power, speed, direction, oscillation)
//
// Returns:
//   - fan.State: State reported by the fan after the command
//   - error: ErrPermanent when the desired state cannot be encoded
func (c *Client) Apply(ctx context.Context, deviceID string, desired fan.State) (fan.State, error) {
	packet, err := encodeCommand(desired)
	if err != nil {
		return fan.State{}, fmt.Errorf("%w: encoding command for %s: %v", ErrPermanent, deviceID, err)
	}

	if err := c.postControl(ctx, deviceID, methodCommand, packet); err != nil {
		return fan.State{}, fmt.Errorf("posting command for %s: %w", deviceID, err)
	}

	// Give the fan a pipeline cycle to execute before querying, then
	// let FetchState run its own query and settle.
	if err := c.settle(ctx); err != nil {
		return fan.State{}, err
	}

	acked, err := c.FetchState(ctx, deviceID)
	if err != nil {
		return fan.State{}, err
	}

	c.logger.Debug("command acknowledged",
		"device_id", deviceID,
		"power", acked.Power, "speed", acked.Speed,
		"direction", acked.Direction, "oscillation", acked.Oscillation)
	return acked, nil
}

// postControl queues one control record for a fan.
func (c *Client) postControl(ctx context.Context, applianceID, method, packet string) error {
	body := controlRequest{
		ApplianceID: applianceID,
		Method:      method,
		Packet:      packet,
	}
	return c.request(ctx, http.MethodPost, controlsPath, body, nil)
}

// readControlLog scans the account's control log for the newest
// completed query reply per requested fan and decodes the packets.
func (c *Client) readControlLog(ctx context.Context, deviceIDs []string) (map[string]fan.State, error) {
	var resp controlsResponse
	if err := c.request(ctx, http.MethodGet, controlsPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("reading control log: %w", err)
	}

	wanted := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		wanted[id] = struct{}{}
	}

	// completed_at is fixed-width (YYYYMMDDhhmmss+0000), so a plain
	// string sort orders records chronologically.
	records := resp.Controls
	sort.Slice(records, func(i, j int) bool {
		return records[i].CompletedAt > records[j].CompletedAt
	})

	states := make(map[string]fan.State, len(deviceIDs))
	for _, rec := range records {
		if rec.Method != methodQuery || rec.Status != statusComplete || rec.Result != resultSuccess {
			continue
		}
		if _, ok := wanted[rec.ApplianceID]; !ok {
			continue
		}
		if _, ok := states[rec.ApplianceID]; ok {
			continue
		}

		state, err := decodeStatePacket(rec.Packet)
		if err != nil {
			c.logger.Warn("undecodable state packet skipped",
				"device_id", rec.ApplianceID, "error", err)
			continue
		}

		revision, err := time.Parse(timestampLayout, rec.CompletedAt)
		if err != nil {
			c.logger.Warn("control record with unparseable completion time skipped",
				"device_id", rec.ApplianceID, "completed_at", rec.CompletedAt)
			continue
		}
		state.Revision = revision.UTC()

		states[rec.ApplianceID] = state
	}

	return states, nil
}

// request performs one authenticated exchange with the gateway,
// retrying once with a fresh session when the token is rejected.
func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	err := c.do(ctx, method, path, body, out)
	if errors.Is(err, ErrAuth) {
		c.logger.Debug("token rejected, retrying with a fresh session",
			"method", method, "path", path)
		c.sessions.Invalidate()
		err = c.do(ctx, method, path, body, out)
	}
	return err
}

// do builds, sends and decodes a single gateway request.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	session, err := c.sessions.EnsureValid(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding request body: %v", ErrPermanent, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrPermanent, err)
	}
	// The gateway wants the bare token, not an OAuth Bearer scheme.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Authorization", session.AccessToken)
	req.Header.Set("X-Timestamp", c.now().UTC().Format(timestampLayout))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response body: %v", ErrTransient, err)
	}

	if classified := classifyStatus(resp.StatusCode); classified != nil {
		return fmt.Errorf("%w: %s %s: status %d", classified, method, path, resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrTransient, err)
		}
	}
	return nil
}

// settle waits for the gateway pipeline to process queued controls.
func (c *Client) settle(ctx context.Context) error {
	timer := time.NewTimer(c.settleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// deviceName picks a display name for a fan, falling back to the
// serial number and then the appliance ID when the account has not
// named the device.
func deviceName(rec deviceRecord) string {
	if name := strings.TrimSpace(rec.Name); name != "" {
		return name
	}
	if rec.SerialNumber != "" {
		return "Ceiling Fan " + rec.SerialNumber
	}
	return "Ceiling Fan " + rec.ApplianceID
}

// devicesResponse is the /user/devices reply.
type devicesResponse struct {
	Devices []deviceRecord `json:"devices"`
}

// deviceRecord is one fan on the account.
type deviceRecord struct {
	ApplianceID  string `json:"appliance_id"`
	ComID        string `json:"com_id"`
	HashedGUID   string `json:"hashed_guid"`
	Name         string `json:"name"`
	ProductCode  string `json:"product_code"`
	SerialNumber string `json:"serial_number"`
}

// controlRequest queues a packet for a fan.
type controlRequest struct {
	ApplianceID string `json:"appliance_id"`
	Method      string `json:"method"`
	Packet      string `json:"packet"`
}

// controlsResponse is the /deviceControls log reply.
type controlsResponse struct {
	Controls []controlRecord `json:"controls"`
}

// controlRecord is one entry in the account's control log.
type controlRecord struct {
	AcceptedID  string `json:"accepted_id"`
	AcceptedAt  string `json:"accepted_at"`
	ApplianceID string `json:"appliance_id"`
	Method      string `json:"method"`
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at"`
	Result      string `json:"result"`
	Reason      string `json:"reason"`
	Packet      string `json:"packet"`
}
