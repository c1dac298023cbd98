package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/raster-lab/jpipstream/pkg/request"
	"github.com/raster-lab/jpipstream/pkg/transport"
)

func newTestWS(t *testing.T) (*WSServer, *httptest.Server) {
	t.Helper()
	core := newTestServer(t, nil)
	config := DefaultWSConfig(":0")
	config.AcceptPerSecond = 0
	ws := NewWSServer(config, core)
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)
	return ws, srv
}

func TestUpgradeHeaderChecks(t *testing.T) {
	_, srv := newTestWS(t)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Unexpected status: %d, Expected: 400", resp.StatusCode)
	}
}

func TestUpgradeRejectedWhenStopped(t *testing.T) {
	ws, srv := newTestWS(t)
	ws.core.Stop()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Unexpected status: %d, Expected: 503", resp.StatusCode)
	}
}

func TestUpgradeRejectedWhenDisabled(t *testing.T) {
	core := newTestServer(t, nil)
	config := DefaultWSConfig(":0")
	config.Enabled = false
	srv := httptest.NewServer(NewWSServer(config, core))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("Unexpected status: %d, Expected: 501", resp.StatusCode)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRequestResponse(t *testing.T) {
	ws, srv := newTestWS(t)

	dialer := websocket.Dialer{Subprotocols: []string{transport.Subprotocol}}
	conn, resp, err := dialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	defer conn.Close()
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != transport.Subprotocol {
		t.Fatalf("Unexpected subprotocol: %q, Expected: %q", got, transport.Subprotocol)
	}
	if ws.ConnectionCount() != 1 {
		t.Fatalf("Unexpected connection count: %d, Expected: 1", ws.ConnectionCount())
	}

	// Channel creation over the wire.
	create := request.New("scan.jp2")
	create.NewChannel = true
	frame := &transport.Frame{Type: transport.FrameRequest, RequestID: 1, Payload: transport.EncodeRequestPayload(create)}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	reply, err := transport.DecodeFrame(data)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if reply.Type != transport.FrameResponse || reply.RequestID != 1 {
		t.Fatalf("Unexpected reply: type=%s id=%d", reply.Type, reply.RequestID)
	}
	response, err := transport.DecodeResponsePayload(reply.Payload)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	grant, ok := transport.GrantFromHeaders(response.Headers)
	if !ok {
		t.Fatal("Expected a channel grant")
	}

	// A follow-up view-window request on the granted channel.
	view := request.New("scan.jp2")
	view.ChannelID = grant.ChannelID
	frame = &transport.Frame{Type: transport.FrameRequest, RequestID: 2, Payload: transport.EncodeRequestPayload(view)}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	reply, err = transport.DecodeFrame(data)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if reply.RequestID != 2 {
		t.Fatalf("Unexpected correlation id: %d, Expected: 2", reply.RequestID)
	}
	response, err = transport.DecodeResponsePayload(reply.Payload)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if response.Status != 200 || len(response.Body) == 0 {
		t.Fatalf("Unexpected response: status=%d body=%d bytes", response.Status, len(response.Body))
	}
}

func TestWebSocketPingPong(t *testing.T) {
	_, srv := newTestWS(t)
	dialer := websocket.Dialer{Subprotocols: []string{transport.Subprotocol}}
	conn, _, err := dialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	defer conn.Close()

	ping := &transport.Frame{Type: transport.FramePing, Payload: []byte("tick")}
	if err := conn.WriteMessage(websocket.BinaryMessage, ping.Encode()); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	pong, err := transport.DecodeFrame(data)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if pong.Type != transport.FramePong || string(pong.Payload) != "tick" {
		t.Fatalf("Unexpected pong: type=%s payload=%q", pong.Type, pong.Payload)
	}
}

func TestTransportClientEndToEnd(t *testing.T) {
	_, srv := newTestWS(t)

	config := transport.DefaultClientConfig(wsURL(srv))
	config.EnableHTTPFallback = false
	config.Reconnect.Enabled = false
	client := transport.NewClient(config)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	defer client.Disconnect()

	create := request.New("scan.jp2")
	create.NewChannel = true
	resp, err := client.SendRequest(ctx, create)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	grant, ok := transport.GrantFromHeaders(resp.Headers)
	if !ok {
		t.Fatal("Expected a channel grant")
	}

	view := request.New("scan.jp2")
	view.ChannelID = grant.ChannelID
	resp, err = client.SendRequest(ctx, view)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if resp.Status != 200 || len(resp.Body) == 0 {
		t.Fatalf("Unexpected response: status=%d body=%d bytes", resp.Status, len(resp.Body))
	}
}

func TestHTTPFallbackEndpoint(t *testing.T) {
	core := newTestServer(t, nil)
	httpSrv := NewHTTPServer(HTTPConfig{Addr: ":0"}, core)
	srv := httptest.NewServer(httpSrv.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?target=scan.jp2&cnew=http")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Unexpected status: %d, Expected: 200", resp.StatusCode)
	}
	grant, err := transport.ParseChannelGrant(resp.Header.Get(transport.ChannelGrantHeader))
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if grant.ChannelID == "" {
		t.Fatal("Expected a channel id in the grant")
	}

	// Unknown target maps to 404.
	resp404, err := http.Get(srv.URL + "/?target=missing.jp2&cid=" + grant.ChannelID)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	resp404.Body.Close()
	if resp404.StatusCode != http.StatusNotFound {
		t.Fatalf("Unexpected status: %d, Expected: 404", resp404.StatusCode)
	}

	// Missing session maps to 400.
	resp400, err := http.Get(srv.URL + "/?target=scan.jp2")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	resp400.Body.Close()
	if resp400.StatusCode != http.StatusBadRequest {
		t.Fatalf("Unexpected status: %d, Expected: 400", resp400.StatusCode)
	}
}

func TestRegistryResolve(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.j2k"), testCodestream, 0o644); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	registry, err := NewRegistry(RegistryConfig{Root: root}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	target, err := registry.Resolve("a.j2k")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(target.Bins) != 3 {
		t.Fatalf("Unexpected bin count: %d, Expected: 3", len(target.Bins))
	}

	// Second resolve is served from the TTL cache.
	again, err := registry.Resolve("a.j2k")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if again != target {
		t.Fatal("Expected cached target instance")
	}

	if _, err := registry.Resolve("missing.j2k"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("Unexpected error: %v, Expected: %v", err, ErrUnknownTarget)
	}
}
