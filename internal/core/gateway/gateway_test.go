package gateway

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// echoHandler 把收到的字节原样写回，并统计处理过的连接数。
type echoHandler struct {
	served atomic.Int64
}

func (h *echoHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	h.served.Add(1)
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// blockingHandler 占住连接直到上下文被取消，用于验证 Close 会解除在途连接。
type blockingHandler struct{}

func (blockingHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	<-ctx.Done()
}

func TestGateway_StartDispatchesConnections(t *testing.T) {
	h := &echoHandler{}
	g := New("127.0.0.1", 0, 0, h)
	if err := g.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer g.Close()

	if got := g.State(); got != StateRunning {
		t.Fatalf("State() = %v, want Running", got)
	}

	conn, err := net.Dial("tcp", g.Addr())
	if err != nil {
		t.Fatalf("failed to dial gateway: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echoed %q, want %q", buf, "ping")
	}
	if got := h.served.Load(); got != 1 {
		t.Errorf("handler served %d connections, want 1", got)
	}
}

func TestGateway_DoubleStartFails(t *testing.T) {
	g := New("127.0.0.1", 0, 0, &echoHandler{})
	if err := g.Start(); err != nil {
		t.Fatalf("first Start() failed: %v", err)
	}
	defer g.Close()

	if err := g.Start(); err == nil {
		t.Fatal("second Start() succeeded, want error")
	}
}

func TestGateway_ListenFailureResetsState(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to occupy a port: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	g := New("127.0.0.1", port, 0, &echoHandler{})
	if err := g.Start(); err == nil {
		g.Close()
		t.Fatal("Start() on an occupied port succeeded, want error")
	}
	if got := g.State(); got != StateStopped {
		t.Errorf("State() after failed Start = %v, want Stopped", got)
	}
}

func TestGateway_CloseCancelsInFlightConnections(t *testing.T) {
	g := New("127.0.0.1", 0, 0, blockingHandler{})
	if err := g.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	conn, err := net.Dial("tcp", g.Addr())
	if err != nil {
		t.Fatalf("failed to dial gateway: %v", err)
	}
	defer conn.Close()
	// 给 accept 循环一点时间把连接交给处理器
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		g.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close() did not return, in-flight connection was not cancelled")
	}
	if got := g.State(); got != StateStopped {
		t.Errorf("State() after Close = %v, want Stopped", got)
	}

	// 再次调用应当是无害的
	g.Close()
}

func TestGateway_CloseWithoutStart(t *testing.T) {
	g := New("127.0.0.1", 0, 0, &echoHandler{})
	g.Close()
	if got := g.State(); got != StateStopped {
		t.Errorf("State() = %v, want Stopped", got)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateStopped:  "Stopped",
		StateStarting: "Starting",
		StateRunning:  "Running",
		StateStopping: "Stopping",
		State(99):     "Unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
