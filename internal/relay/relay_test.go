package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/agent/internal/eventbus"
)

var upgrader = websocket.Upgrader{}

func TestSendBeforeConnectedIsDropped(t *testing.T) {
	bus := eventbus.New()
	tr := New(Config{URL: "ws://127.0.0.1:0"}, bus, nil)
	// Does not panic or block; just a silent drop since not connected.
	tr.Send(map[string]string{"type": "keys"})
	if tr.IsConnected() {
		t.Fatal("should not be connected")
	}
}

func TestConnectSucceedsAndRegisters(t *testing.T) {
	registered := make(chan []byte, 1)

	srv := httptest.NewServer(upgraderHandler(func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			registered <- msg
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	bus := eventbus.New()
	tr := New(Config{URL: wsURL, Token: "tok", MachineID: "m1", Label: "host"}, bus, nil)
	defer tr.Close()

	completion, err := tr.Connect()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if werr := completion.Wait(); werr != nil {
		t.Fatalf("connect completion failed: %v", werr)
	}
	if !tr.IsConnected() {
		t.Fatal("expected connected after completion resolves")
	}

	select {
	case raw := <-registered:
		var reg struct {
			Type      string `json:"type"`
			MachineID string `json:"machineId"`
			Token     string `json:"token"`
			Role      string `json:"role"`
		}
		if err := json.Unmarshal(raw, &reg); err != nil {
			t.Fatal(err)
		}
		if reg.Type != "register" || reg.MachineID != "m1" || reg.Token != "tok" || reg.Role != "host" {
			t.Fatalf("unexpected register frame: %+v", reg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for register frame")
	}
}

func TestInboundKeysPublishesKeysReceived(t *testing.T) {
	srv := httptest.NewServer(upgraderHandler(func(conn *websocket.Conn) {
		conn.ReadMessage() // register
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"keys","sessionName":"s1","keys":"ls","enter":true}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	bus := eventbus.New()
	var mu sync.Mutex
	var received bool
	bus.Subscribe(EventKeysReceived, func(e eventbus.Event) {
		mu.Lock()
		received = true
		mu.Unlock()
	})

	tr := New(Config{URL: wsURL, Token: "tok", MachineID: "m1"}, bus, nil)
	defer tr.Close()

	completion, err := tr.Connect()
	if err != nil {
		t.Fatal(err)
	}
	if err := completion.Wait(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := received
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for KeysReceived")
}

func TestCreateSessionHookRunsBeforePublish(t *testing.T) {
	srv := httptest.NewServer(upgraderHandler(func(conn *websocket.Conn) {
		conn.ReadMessage() // register
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"createSession","sessionName":"s2","workDir":"/tmp"}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	bus := eventbus.New()
	var mu sync.Mutex
	var hookCalled, publishedAfterHook bool

	tr := New(Config{URL: wsURL, Token: "tok", MachineID: "m1"}, bus, func(session, workDir string) {
		mu.Lock()
		hookCalled = true
		mu.Unlock()
	})
	defer tr.Close()

	bus.Subscribe(EventSessionCreated, func(e eventbus.Event) {
		mu.Lock()
		publishedAfterHook = hookCalled
		mu.Unlock()
	})

	completion, err := tr.Connect()
	if err != nil {
		t.Fatal(err)
	}
	if err := completion.Wait(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		called := hookCalled
		mu.Unlock()
		if called {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !hookCalled {
		t.Fatal("expected createSession hook to run")
	}
	if !publishedAfterHook {
		t.Fatal("expected SessionCreated to publish only after hook ran")
	}
}

func TestCircuitBreakerOpensAfterMaxAttempts(t *testing.T) {
	bus := eventbus.New()
	tr := New(Config{
		URL:                    "ws://127.0.0.1:1", // nothing listens here
		ReconnectEnabled:       true,
		InitialDelay:           5 * time.Millisecond,
		MaxDelay:               10 * time.Millisecond,
		MaxAttempts:            2,
		CircuitBreakerDuration: time.Minute,
	}, bus, nil)
	defer tr.Close()

	completion, err := tr.Connect()
	if err != nil {
		t.Fatalf("unexpected error starting connect: %v", err)
	}
	if werr := completion.Wait(); werr != ErrCircuitBreaker {
		t.Fatalf("expected ErrCircuitBreaker, got %v", werr)
	}

	if _, err := tr.Connect(); err != ErrCircuitBreaker {
		t.Fatalf("expected circuit breaker to reject reconnect attempt, got %v", err)
	}
}

func upgraderHandler(onConn func(*websocket.Conn)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		onConn(conn)
	}
}
