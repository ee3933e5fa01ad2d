package sxnet

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func newLoopbackListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error = %v", err)
	}
	return line[:len(line)-1]
}

func TestServe_TCP(t *testing.T) {
	reg, _ := newTestRegistry()
	// no broadcast during the test
	srv := NewServer(reg, nil, Options{InitialDelay: time.Hour})

	ln := newLoopbackListener(t)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(context.Background(), ln)
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	if got := readLine(t, r); got != "SXnetServer - client0" {
		t.Errorf("greeting = %q", got)
	}

	if _, err := conn.Write([]byte("sx 81 3;r 81\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "OK" {
		t.Errorf("response = %q, want OK", got)
	}
	if got := readLine(t, r); got != "X 81 3" {
		t.Errorf("response = %q, want %q", got, "X 81 3")
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	select {
	case err := <-serveErr:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve() error = %v, want ErrServerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	if _, err := r.ReadString('\n'); err == nil {
		t.Error("connection still open after Close")
	}
}

func TestServe_ContextCancel(t *testing.T) {
	reg, _ := newTestRegistry()
	srv := NewServer(reg, nil, Options{})
	ln := newLoopbackListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, ln)
	}()

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
