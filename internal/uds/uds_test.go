package uds

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// shortSockPath keeps socket paths under the 104-byte limit some platforms
// impose, which t.TempDir() can exceed.
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "pg-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func startServer(t *testing.T, register func(s *Server)) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortSockPath(t, "t.sock")
	server := NewServer(sockPath, nil)
	if register != nil {
		register(server)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestFraming_RoundTrip(t *testing.T) {
	sockPath := shortSockPath(t, "f.sock")
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		if req.Command != "complete" {
			t.Errorf("expected command %q, got %q", "complete", req.Command)
		}
		if err := WriteFrame(conn, SuccessResponse(map[string]string{"result": "ok"})); err != nil {
			t.Errorf("server WriteFrame: %v", err)
		}
	}()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := NewRequest("complete", map[string]string{"phase": "test"})
	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("client WriteFrame: %v", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatalf("client ReadFrame: %v", err)
	}
	if !resp.Success {
		t.Error("expected success response")
	}
	<-done
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("ping", func(ctx context.Context, req *Request) *Response {
			return SuccessResponse(nil)
		})
	})

	resp, err := client.Send(context.Background(), &Request{ProtocolVersion: 999, Command: "ping"})
	if err != nil {
		t.Fatalf("client send: %v", err)
	}
	if resp.Success || resp.Error == nil {
		t.Fatal("expected failure for version mismatch")
	}
	if resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected code %q, got %q", ErrCodeProtocolMismatch, resp.Error.Code)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client, _ := startServer(t, nil)

	err := client.Call(context.Background(), "nonexistent", nil, nil)
	var detail *ErrorDetail
	if !errors.As(err, &detail) {
		t.Fatalf("expected ErrorDetail, got %v", err)
	}
	if detail.Code != ErrCodeUnknownCommand {
		t.Errorf("expected code %q, got %q", ErrCodeUnknownCommand, detail.Code)
	}
}

func TestServer_HandlerExecution(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("echo", func(ctx context.Context, req *Request) *Response {
			var params map[string]string
			if err := req.Decode(&params); err != nil {
				return ErrorResponse(ErrCodeValidation, err.Error())
			}
			return SuccessResponse(params)
		})
	})

	var out map[string]string
	if err := client.Call(context.Background(), "echo", map[string]string{"msg": "hello"}, &out); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if out["msg"] != "hello" {
		t.Errorf("echo: got %q", out["msg"])
	}

	resp, err := client.Send(context.Background(), &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         "echo",
		Params:          json.RawMessage(`["not", "an", "object"]`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeValidation {
		t.Errorf("expected validation error, got %+v", resp)
	}
}

func TestServer_MultipleClients(t *testing.T) {
	_, _, sockPath := startServer(t, func(s *Server) {
		s.Handle("ping", func(ctx context.Context, req *Request) *Response {
			return SuccessResponse(map[string]string{"status": "pong"})
		})
	})

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			errs <- c.Call(context.Background(), "ping", nil, nil)
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}
}

func TestClient_ServerNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(context.Background(), "ping", nil)
	if err == nil {
		t.Fatal("expected error when server not running")
	}
	if !strings.Contains(err.Error(), "phasegate serve") {
		t.Errorf("expected hint about 'phasegate serve', got: %v", err)
	}
}

func TestServer_ConnectionTimeout(t *testing.T) {
	sockPath := shortSockPath(t, "c.sock")
	server := NewServer(sockPath, nil)
	server.SetConnTimeout(300 * time.Millisecond)
	server.Handle("ping", func(ctx context.Context, req *Request) *Response {
		return SuccessResponse(nil)
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop(context.Background())

	// An idle connection is dropped by the server.
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(600 * time.Millisecond)
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected read error on timed-out connection")
	}

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	if err := client.Call(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("client after timeout: %v", err)
	}
}

func TestServer_StopDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server, client, _ := startServer(t, func(s *Server) {
		s.Handle("slow", func(ctx context.Context, req *Request) *Response {
			close(started)
			<-release
			return SuccessResponse(map[string]string{"status": "done"})
		})
	})

	result := make(chan error, 1)
	go func() { result <- client.Call(context.Background(), "slow", nil, nil) }()
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- server.Stop(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-result; err != nil {
		t.Errorf("in-flight request: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestServer_StopCancelsAfterDeadline(t *testing.T) {
	cancelled := make(chan struct{})
	server, client, _ := startServer(t, func(s *Server) {
		s.Handle("stuck", func(ctx context.Context, req *Request) *Response {
			<-ctx.Done()
			close(cancelled)
			return ErrorResponse(ErrCodeCancelled, ctx.Err().Error())
		})
	})

	go func() { _ = client.Call(context.Background(), "stuck", nil, nil) }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := server.Stop(ctx); err == nil {
		t.Error("expected drain timeout error")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestServer_SocketLifecycle(t *testing.T) {
	sockPath := shortSockPath(t, "p.sock")
	server := NewServer(sockPath, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected permissions 0600, got %04o", perm)
	}

	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket should be removed after stop")
	}
}

func TestResponse_Result(t *testing.T) {
	var data map[string]int
	if err := SuccessResponse(map[string]int{"count": 42}).Result(&data); err != nil {
		t.Fatalf("result: %v", err)
	}
	if data["count"] != 42 {
		t.Errorf("count: got %d", data["count"])
	}

	if resp := SuccessResponse(nil); resp.Data != nil {
		t.Errorf("expected nil data, got %s", string(resp.Data))
	}

	err := ErrorResponse(ErrCodeNotFound, "no such policy").Result(nil)
	if err == nil || err.Error() != "NOT_FOUND: no such policy" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFrame_Buffer(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, map[string]int{"n": 1}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len()-4 {
		t.Errorf("length prefix = %d, payload = %d", got, buf.Len()-4)
	}
	var out map[string]int
	if err := ReadFrame(&buf, &out); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out["n"] != 1 {
		t.Errorf("decoded %v", out)
	}
}

func TestReadFrame_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.BigEndian.AppendUint32(nil, maxFrameSize+1))
	var v any
	err := ReadFrame(&buf, &v)
	if err == nil || !strings.Contains(err.Error(), "frame too large") {
		t.Fatalf("expected frame too large, got %v", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.BigEndian.AppendUint32(nil, 10))
	buf.WriteString(`{"a"`)
	var v any
	if err := ReadFrame(&buf, &v); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
