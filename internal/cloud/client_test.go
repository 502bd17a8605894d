package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/config"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/logging"
)

// stubSessions is a SessionSource that hands out a fixed token and
// optionally rotates it when invalidated, mimicking a re-login.
type stubSessions struct {
	mu            sync.Mutex
	token         string
	rotated       string
	ensures       int
	invalidations int
}

func (s *stubSessions) EnsureValid(context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensures++
	return Session{AccessToken: s.token, Expiry: time.Now().Add(time.Hour)}, nil
}

func (s *stubSessions) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidations++
	if s.rotated != "" {
		s.token = s.rotated
	}
}

func (s *stubSessions) counts() (ensures, invalidations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensures, s.invalidations
}

// fakeGateway fakes the device API: a device list, a control log, and
// capture of every posted control.
type fakeGateway struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	devices       []deviceRecord
	controls      []controlRecord
	posted        []controlRequest
	deviceHeaders http.Header
	requireToken  string
	failStatus    int
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("/user/devices", g.handleDevices)
	mux.HandleFunc("/deviceControls", g.handleControls)
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)

	return g
}

// client builds a Client bound to the fake gateway.
func (g *fakeGateway) client(sessions SessionSource, settle time.Duration) *Client {
	cfg := config.CloudConfig{
		API:         config.CloudAPIConfig{BaseURL: g.server.URL, Key: "api-key-1"},
		HTTPTimeout: 5,
	}
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	return NewClient(cfg, settle, sessions, log)
}

func (g *fakeGateway) authorised(w http.ResponseWriter, r *http.Request) bool {
	g.mu.Lock()
	required := g.requireToken
	forced := g.failStatus
	g.mu.Unlock()

	if forced != 0 {
		w.WriteHeader(forced)
		return false
	}
	if required != "" && r.Header.Get("Authorization") != required {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func (g *fakeGateway) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !g.authorised(w, r) {
		return
	}

	g.mu.Lock()
	g.deviceHeaders = r.Header.Clone()
	devices := g.devices
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(devicesResponse{Devices: devices}); err != nil {
		g.t.Errorf("encoding devices: %v", err)
	}
}

func (g *fakeGateway) handleControls(w http.ResponseWriter, r *http.Request) {
	if !g.authorised(w, r) {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.t.Errorf("decoding control post: %v", err)
		}
		g.mu.Lock()
		g.posted = append(g.posted, req)
		g.mu.Unlock()
		fmt.Fprint(w, `{"accepted_id":"a-1"}`)
	case http.MethodGet:
		g.mu.Lock()
		controls := g.controls
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(controlsResponse{Controls: controls}); err != nil {
			g.t.Errorf("encoding controls: %v", err)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *fakeGateway) postedControls() []controlRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]controlRequest, len(g.posted))
	copy(out, g.posted)
	return out
}

// queryReply builds a completed query record for a fan.
func queryReply(applianceID, completedAt, packet string) controlRecord {
	return controlRecord{
		ApplianceID: applianceID,
		Method:      "GET",
		Status:      "complete",
		CompletedAt: completedAt,
		Result:      "success_response",
		Packet:      packet,
	}
}

// TestClient_Discover verifies descriptor mapping, duplicate collapse,
// fallback naming and the gateway headers.
func TestClient_Discover(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client(&stubSessions{token: "token-1"}, time.Millisecond)
	g.devices = []deviceRecord{
		{ApplianceID: "fan-a", Name: "Bedroom", ProductCode: "F-60XZN", SerialNumber: "SN-A"},
		{ApplianceID: "fan-b", Name: "", ProductCode: "F-60XZN", SerialNumber: "SN-B"},
		{ApplianceID: "", Name: "ghost", SerialNumber: "SN-X"},
		{ApplianceID: "fan-a", Name: "Bedroom Renamed", ProductCode: "F-60XZN", SerialNumber: "SN-A"},
	}

	descriptors, err := client.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	if len(descriptors) != 2 {
		t.Fatalf("Discover() returned %d descriptors, want 2", len(descriptors))
	}
	if descriptors[0].DeviceID != "fan-a" || descriptors[0].Name != "Bedroom Renamed" {
		t.Errorf("descriptor[0] = %+v, want the later duplicate entry", descriptors[0])
	}
	if descriptors[0].Model != "F-60XZN" || descriptors[0].SerialNumber != "SN-A" {
		t.Errorf("descriptor[0] model/serial = %q/%q", descriptors[0].Model, descriptors[0].SerialNumber)
	}
	if descriptors[1].Name != "Ceiling Fan SN-B" {
		t.Errorf("unnamed fan = %q, want fallback Ceiling Fan SN-B", descriptors[1].Name)
	}
	if len(descriptors[0].Capabilities) != len(fan.AllCapabilities()) {
		t.Errorf("capabilities = %v, want the full set", descriptors[0].Capabilities)
	}

	g.mu.Lock()
	headers := g.deviceHeaders
	g.mu.Unlock()
	if headers.Get("X-Api-Key") != "api-key-1" {
		t.Errorf("X-Api-Key = %q, want api-key-1", headers.Get("X-Api-Key"))
	}
	if headers.Get("Authorization") != "token-1" {
		t.Errorf("Authorization = %q, want the bare token", headers.Get("Authorization"))
	}
	if ts := headers.Get("X-Timestamp"); !regexp.MustCompile(`^\d{14}\+0000$`).MatchString(ts) {
		t.Errorf("X-Timestamp = %q, want YYYYMMDDhhmmss+0000", ts)
	}
}

// TestClient_FetchStates verifies the batched read: one query post per
// fan, then the newest completed query reply per fan wins.
func TestClient_FetchStates(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client(&stubSessions{token: "token-1"}, time.Millisecond)
	g.controls = []controlRecord{
		// Newest record for fan-a is a command, which must not count
		// as a state reply.
		{ApplianceID: "fan-a", Method: "SET", Status: "complete", CompletedAt: "20251117054750+0000", Result: "success_response", Packet: "06"},
		queryReply("fan-a", "20251117054744+0000", statusPacket('0', '4', '1', '1')),
		queryReply("fan-a", "20251117054700+0000", statusPacket('0', '2', '1', '1')),
		{ApplianceID: "fan-a", Method: "GET", Status: "pending", CompletedAt: "", Result: ""},
		{ApplianceID: "fan-b", Method: "GET", Status: "complete", CompletedAt: "20251117054745+0000", Result: "error_response", Packet: ""},
		queryReply("fan-b", "20251117054730+0000", statusPacket('1', '3', '2', '0')),
		queryReply("fan-z", "20251117054746+0000", statusPacket('0', '9', '1', '1')),
	}

	states, err := client.FetchStates(context.Background(), []string{"fan-a", "fan-b"})
	if err != nil {
		t.Fatalf("FetchStates() error = %v", err)
	}

	if len(states) != 2 {
		t.Fatalf("FetchStates() returned %d states, want 2", len(states))
	}

	wantA := fan.State{Power: true, Speed: 4, Direction: fan.DirectionForward}
	if got := states["fan-a"]; !got.Equal(wantA) {
		t.Errorf("fan-a state = %+v, want %+v from the newest reply", got, wantA)
	}
	wantRevision := time.Date(2025, 11, 17, 5, 47, 44, 0, time.UTC)
	if got := states["fan-a"].Revision; !got.Equal(wantRevision) {
		t.Errorf("fan-a revision = %v, want %v", got, wantRevision)
	}

	wantB := fan.State{Power: false, Speed: 3, Direction: fan.DirectionReverse, Oscillation: true}
	if got := states["fan-b"]; !got.Equal(wantB) {
		t.Errorf("fan-b state = %+v, want %+v", got, wantB)
	}

	if _, ok := states["fan-z"]; ok {
		t.Error("unrequested fan-z appeared in the result")
	}

	posted := g.postedControls()
	if len(posted) != 2 {
		t.Fatalf("posted %d controls, want 2 queries", len(posted))
	}
	for _, p := range posted {
		if p.Method != "GET" || p.Packet != queryPacket {
			t.Errorf("posted control = %+v, want a GET query packet", p)
		}
	}
}

// TestClient_FetchStates_Empty verifies no HTTP traffic for an empty
// ID list.
func TestClient_FetchStates_Empty(t *testing.T) {
	g := newFakeGateway(t)
	sessions := &stubSessions{token: "token-1"}
	client := g.client(sessions, time.Millisecond)

	states, err := client.FetchStates(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchStates() error = %v", err)
	}
	if len(states) != 0 {
		t.Errorf("FetchStates() = %v, want empty", states)
	}
	ensures, _ := sessions.counts()
	if len(g.postedControls()) != 0 || ensures != 0 {
		t.Error("empty fetch still touched the gateway")
	}
}

// TestClient_FetchStates_SkipsBadRecords verifies an undecodable
// packet or a mangled completion time drops that fan without failing
// the batch.
func TestClient_FetchStates_SkipsBadRecords(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client(&stubSessions{token: "token-1"}, time.Millisecond)
	g.controls = []controlRecord{
		queryReply("fan-a", "20251117054744+0000", "garbage"),
		queryReply("fan-b", "yesterday", statusPacket('0', '2', '1', '1')),
		queryReply("fan-c", "20251117054730+0000", statusPacket('0', '5', '1', '1')),
	}

	states, err := client.FetchStates(context.Background(), []string{"fan-a", "fan-b", "fan-c"})
	if err != nil {
		t.Fatalf("FetchStates() error = %v", err)
	}

	if len(states) != 1 {
		t.Fatalf("FetchStates() returned %d states, want only fan-c", len(states))
	}
	if _, ok := states["fan-c"]; !ok {
		t.Error("fan-c missing from the result")
	}
}

// TestClient_FetchState verifies the single-fan read and the transient
// error when no reply has landed.
func TestClient_FetchState(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client(&stubSessions{token: "token-1"}, time.Millisecond)
	g.controls = []controlRecord{
		queryReply("fan-a", "20251117054744+0000", statusPacket('0', '6', '1', '0')),
	}

	state, err := client.FetchState(context.Background(), "fan-a")
	if err != nil {
		t.Fatalf("FetchState() error = %v", err)
	}
	want := fan.State{Power: true, Speed: 6, Direction: fan.DirectionForward, Oscillation: true}
	if !state.Equal(want) {
		t.Errorf("FetchState() = %+v, want %+v", state, want)
	}

	_, err = client.FetchState(context.Background(), "fan-missing")
	if err == nil {
		t.Fatal("expected error for a fan with no reply")
	}
	if !errors.Is(err, ErrTransient) {
		t.Errorf("error = %v, want ErrTransient", err)
	}
}

// TestClient_Apply verifies the command post carries the encoded
// packet and the readback state is returned as the acknowledgement.
func TestClient_Apply(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client(&stubSessions{token: "token-1"}, time.Millisecond)
	g.controls = []controlRecord{
		queryReply("fan-a", "20251117054744+0000", statusPacket('0', '7', '2', '1')),
	}

	desired := fan.State{Power: true, Speed: 7, Direction: fan.DirectionReverse}
	acked, err := client.Apply(context.Background(), "fan-a", desired)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !acked.Equal(desired) {
		t.Errorf("acked = %+v, want %+v", acked, desired)
	}
	if acked.Revision.IsZero() {
		t.Error("acked state has no revision")
	}

	posted := g.postedControls()
	if len(posted) != 2 {
		t.Fatalf("posted %d controls, want command then query", len(posted))
	}
	wantPacket := "090093014200FD010400FC013000FE01400080013000F0013700F1014200F2013100F804FF31FFFF"
	if posted[0].Method != "SET" || posted[0].Packet != wantPacket {
		t.Errorf("command post = %+v, want SET %s", posted[0], wantPacket)
	}
	if posted[1].Method != "GET" || posted[1].Packet != queryPacket {
		t.Errorf("readback post = %+v, want a GET query", posted[1])
	}
}

// TestClient_Apply_InvalidState verifies an unencodable state fails
// permanently without touching the gateway.
func TestClient_Apply_InvalidState(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client(&stubSessions{token: "token-1"}, time.Millisecond)

	_, err := client.Apply(context.Background(), "fan-a", fan.State{Power: true, Speed: 0})
	if err == nil {
		t.Fatal("expected error for invalid speed")
	}
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("error = %v, want ErrPermanent", err)
	}
	if len(g.postedControls()) != 0 {
		t.Error("invalid command still reached the gateway")
	}
}

// TestClient_AuthRetry verifies a rejected token triggers exactly one
// re-authentication and the request succeeds with the fresh token.
func TestClient_AuthRetry(t *testing.T) {
	g := newFakeGateway(t)
	sessions := &stubSessions{token: "token-1", rotated: "token-2"}
	client := g.client(sessions, time.Millisecond)
	g.requireToken = "token-2"
	g.devices = []deviceRecord{
		{ApplianceID: "fan-a", Name: "Bedroom", ProductCode: "F-60XZN", SerialNumber: "SN-A"},
	}

	descriptors, err := client.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(descriptors) != 1 {
		t.Errorf("Discover() returned %d descriptors, want 1", len(descriptors))
	}
	if _, invalidations := sessions.counts(); invalidations != 1 {
		t.Errorf("invalidations = %d, want 1", invalidations)
	}
}

// TestClient_AuthRetry_StillRejected verifies the retry happens only
// once and the auth error surfaces.
func TestClient_AuthRetry_StillRejected(t *testing.T) {
	g := newFakeGateway(t)
	sessions := &stubSessions{token: "token-1"}
	client := g.client(sessions, time.Millisecond)
	g.requireToken = "token-good"

	_, err := client.Discover(context.Background())
	if err == nil {
		t.Fatal("expected error for persistently rejected token")
	}
	if !errors.Is(err, ErrAuth) {
		t.Errorf("error = %v, want ErrAuth", err)
	}

	ensures, invalidations := sessions.counts()
	if invalidations != 1 {
		t.Errorf("invalidations = %d, want exactly 1", invalidations)
	}
	if ensures != 2 {
		t.Errorf("session lookups = %d, want 2 (original plus one retry)", ensures)
	}
}

// TestClient_ErrorClassification verifies gateway statuses map onto
// the package error taxonomy.
func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "server error is transient", status: http.StatusInternalServerError, want: ErrTransient},
		{name: "rate limit is transient", status: http.StatusTooManyRequests, want: ErrTransient},
		{name: "not found", status: http.StatusNotFound, want: ErrNotFound},
		{name: "bad request is permanent", status: http.StatusBadRequest, want: ErrPermanent},
		{name: "forbidden is auth", status: http.StatusForbidden, want: ErrAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newFakeGateway(t)
			client := g.client(&stubSessions{token: "token-1"}, time.Millisecond)
			g.failStatus = tt.status

			_, err := client.Discover(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestClient_SettleHonoursContext verifies cancellation cuts the
// settle wait short.
func TestClient_SettleHonoursContext(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client(&stubSessions{token: "token-1"}, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.FetchStates(ctx, []string{"fan-a"})
	if err == nil {
		t.Fatal("expected context error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("FetchStates() took %v, want prompt cancellation", elapsed)
	}
}
