package server

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestServerAcceptsAndHandles(t *testing.T) {
	var handled atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	s := New(Config{Port: 0, ShutdownGraceTime: time.Second}, func(ctx context.Context, conn net.Conn) error {
		defer conn.Close()
		handled.Add(1)
		buf := make([]byte, 4)
		_, err := conn.Read(buf)
		return err
	})

	serveDone := make(chan error, 1)
	go func() { serveDone <- s.Serve(ctx) }()

	var addr net.Addr
	for i := 0; i < 100; i++ {
		if addr = s.Addr(); addr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		t.Fatalf("server never bound a listener")
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("ping"))
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	if handled.Load() != 1 {
		t.Fatalf("expected 1 handled connection, got %d", handled.Load())
	}

	cancel()
	select {
	case err := <-serveDone:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after context cancellation")
	}
}
