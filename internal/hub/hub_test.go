package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/termbridge/internal/pty"
)

type fakeTerminal struct {
	mu        sync.Mutex
	next      pty.ViewerID
	viewers   map[pty.ViewerID]pty.Viewer
	writes    []string
	resizes   []pty.Size
	attachErr error
	writeErr  error
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{viewers: make(map[pty.ViewerID]pty.Viewer)}
}

func (f *fakeTerminal) Attach(v pty.Viewer) (pty.ViewerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return 0, f.attachErr
	}
	f.next++
	f.viewers[f.next] = v
	return f.next, nil
}

func (f *fakeTerminal) Detach(id pty.ViewerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.viewers, id)
}

func (f *fakeTerminal) Write(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, text)
	return nil
}

func (f *fakeTerminal) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, pty.Size{Cols: cols, Rows: rows})
	return nil
}

func (f *fakeTerminal) broadcast(ev pty.Event) {
	f.mu.Lock()
	viewers := make(map[pty.ViewerID]pty.Viewer, len(f.viewers))
	for id, v := range f.viewers {
		viewers[id] = v
	}
	f.mu.Unlock()
	for id, v := range viewers {
		if err := v.Send(ev); err != nil {
			f.Detach(id)
		}
	}
}

func (f *fakeTerminal) viewerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.viewers)
}

func (f *fakeTerminal) recorded() ([]string, []pty.Size) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...), append([]pty.Size(nil), f.resizes...)
}

func startHub(t *testing.T, term *fakeTerminal, opts Options) (*Hub, string) {
	t.Helper()
	h := New(term, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return h, fmt.Sprintf("ws://%s/ws", server.URL[7:])
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) OutputMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var msg OutputMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid message %q: %v", data, err)
	}
	return msg
}

func writeText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleWebSocketAuth(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", "secret", http.StatusSwitchingProtocols},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, url := startHub(t, newFakeTerminal(), Options{Token: "secret"})
			if tt.token != "" {
				url = fmt.Sprintf("%s?token=%s", url, tt.token)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(ctx, url, nil)
			cancel()

			if resp != nil && resp.StatusCode != tt.wantStatus {
				t.Errorf("status code mismatch: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected connection, got %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
			} else if err == nil {
				conn.Close(websocket.StatusNormalClosure, "")
				t.Fatal("expected dial to fail")
			}
		})
	}
}

func TestClientReceivesOutputInOrderThenClosed(t *testing.T) {
	term := newFakeTerminal()
	h, url := startHub(t, term, Options{})

	conns := []*websocket.Conn{dial(t, url), dial(t, url)}
	waitForCondition(t, time.Second, "two viewers", func() bool { return term.viewerCount() == 2 })
	if h.ClientCount() != 2 {
		t.Fatalf("ClientCount() = %d, want 2", h.ClientCount())
	}

	now := time.Now()
	for _, text := range []string{"a", "b", "c"} {
		term.broadcast(pty.Event{Type: pty.EventOutput, Data: text, At: now})
	}
	term.broadcast(pty.Event{Type: pty.EventClosed, Data: "PTY closed\r\n", At: now})

	for i, conn := range conns {
		for _, want := range []string{"a", "b", "c"} {
			msg := readMessage(t, conn)
			if msg.Type != TypeOutput || msg.Text != want {
				t.Fatalf("client %d got %+v, want output %q", i, msg, want)
			}
			if msg.Ts != now.UnixMilli() {
				t.Errorf("client %d ts = %d, want %d", i, msg.Ts, now.UnixMilli())
			}
		}
		if msg := readMessage(t, conn); msg.Type != TypeClosed {
			t.Fatalf("client %d got %+v, want closed", i, msg)
		}
	}
}

func TestClientInputAndResize(t *testing.T) {
	term := newFakeTerminal()
	_, url := startHub(t, term, Options{})
	conn := dial(t, url)

	writeText(t, conn, "ls -la\r")
	writeText(t, conn, `{"type":"input","keys":"pwd\n"}`)
	writeText(t, conn, `{"type":"key","key":"C-c"}`)
	writeText(t, conn, `{"type":"resize","cols":120,"rows":40}`)
	writeText(t, conn, `{"no_type":true}`)

	waitForCondition(t, 2*time.Second, "input forwarded", func() bool {
		writes, resizes := term.recorded()
		return len(writes) == 4 && len(resizes) == 1
	})

	writes, resizes := term.recorded()
	want := []string{"ls -la\r", "pwd\n", "\x03", `{"no_type":true}`}
	for i := range want {
		if writes[i] != want[i] {
			t.Errorf("write %d = %q, want %q", i, writes[i], want[i])
		}
	}
	if resizes[0] != (pty.Size{Cols: 120, Rows: 40}) {
		t.Errorf("resize = %v, want 120x40", resizes[0])
	}
}

func TestClientInvalidResizeIsRejected(t *testing.T) {
	term := newFakeTerminal()
	_, url := startHub(t, term, Options{})
	conn := dial(t, url)

	writeText(t, conn, `{"type":"resize","cols":0,"rows":40}`)

	msg := readMessage(t, conn)
	if msg.Type != TypeError {
		t.Fatalf("got %+v, want error message", msg)
	}
	if _, resizes := term.recorded(); len(resizes) != 0 {
		t.Fatalf("resize applied: %v", resizes)
	}
}

func TestClientWriteFailureReportsError(t *testing.T) {
	term := newFakeTerminal()
	term.writeErr = pty.ErrNotRunning
	_, url := startHub(t, term, Options{})
	conn := dial(t, url)

	writeText(t, conn, "echo hi\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var msg ErrorMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid message: %v", err)
	}
	if msg.Type != TypeError || msg.Message != "terminal not running" {
		t.Fatalf("got %+v, want terminal not running error", msg)
	}
}

func TestHistoryReplayedOnConnect(t *testing.T) {
	history := NewHistory(1024)
	history.Write([]byte("$ echo earlier\r\nearlier\r\n"))

	term := newFakeTerminal()
	_, url := startHub(t, term, Options{History: history})
	conn := dial(t, url)

	msg := readMessage(t, conn)
	if msg.Type != TypeHistory || msg.Text != "$ echo earlier\r\nearlier\r\n" {
		t.Fatalf("got %+v, want history replay", msg)
	}
}

func TestDisconnectDetachesViewer(t *testing.T) {
	term := newFakeTerminal()
	h, url := startHub(t, term, Options{})

	conn := dial(t, url)
	waitForCondition(t, time.Second, "viewer attached", func() bool { return term.viewerCount() == 1 })

	conn.Close(websocket.StatusNormalClosure, "")
	waitForCondition(t, 2*time.Second, "viewer detached", func() bool { return term.viewerCount() == 0 })
	waitForCondition(t, 2*time.Second, "client removed", func() bool { return h.ClientCount() == 0 })
}

func TestAttachFailureClosesSocket(t *testing.T) {
	term := newFakeTerminal()
	term.attachErr = pty.ErrNotRunning
	_, url := startHub(t, term, Options{})
	conn := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Fatalf("read error = %v, want close status %d", err, websocket.StatusInternalError)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	h := New(newFakeTerminal(), Options{ClientBuffer: 2})
	c := newClient(nil, h)

	ev := pty.Event{Type: pty.EventOutput, Data: "x", At: time.Now()}
	for i := 0; i < 2; i++ {
		if err := c.Send(ev); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := c.Send(ev); !errors.Is(err, pty.ErrViewerGone) {
		t.Fatalf("Send on full queue error = %v, want ErrViewerGone", err)
	}
	if err := c.Send(ev); !errors.Is(err, pty.ErrViewerGone) {
		t.Fatalf("Send after drop error = %v, want ErrViewerGone", err)
	}
}

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		input    string
		wantOK   bool
		wantType string
	}{
		{`{"type":"resize","cols":80,"rows":24}`, true, TypeResize},
		{`  {"type":"input","keys":"ls\n"}`, true, TypeInput},
		{`{"cols":80}`, false, ""},
		{`{not json`, false, ""},
		{"ls -la\n", false, ""},
		{"", false, ""},
	}
	for _, tt := range tests {
		msg, ok := parseClientMessage([]byte(tt.input))
		if ok != tt.wantOK || msg.Type != tt.wantType {
			t.Errorf("parseClientMessage(%q) = (%q, %v), want (%q, %v)", tt.input, msg.Type, ok, tt.wantType, tt.wantOK)
		}
	}
}
