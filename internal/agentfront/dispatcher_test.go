package agentfront

import (
	"bytes"
	"context"
	"crypto/rsa"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quhxuxm/ppaass-v3/internal/connlib"
	"github.com/quhxuxm/ppaass-v3/internal/cryptoops"
	"github.com/quhxuxm/ppaass-v3/internal/pool"
	"github.com/quhxuxm/ppaass-v3/internal/userrepo"
)

type fakeRepo struct{ rec *userrepo.Record }

func (f *fakeRepo) Get(username string) (*userrepo.Record, error) { return f.rec, nil }
func (f *fakeRepo) GetAny() (*userrepo.Record, error)              { return f.rec, nil }

// startEchoProxy accepts one connection, performs a responder handshake,
// waits for a TunnelInit, always answers Success, and echoes whatever bytes
// it receives back to the agent -- standing in for a live proxy tunnel
// terminating a destination.
func startEchoProxy(t *testing.T, agentPub *rsa.PublicKey, proxyPriv *rsa.PrivateKey) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conn := connlib.NewConnection(c)
		lookup := func(u string) (*rsa.PublicKey, error) { return agentPub, nil }
		if _, err := conn.ResponderHandshake(lookup, proxyPriv); err != nil {
			return
		}
		initReq, err := conn.WaitTunnelInit()
		if err != nil {
			return
		}
		_ = initReq
		if err := conn.RespondTunnelInit(true, 0); err != nil {
			return
		}
		stream, err := conn.RelayStream()
		if err != nil {
			return
		}
		io.Copy(stream, stream)
	}()
	return ln
}

func TestDispatcherSocks5Connect(t *testing.T) {
	proxyKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair proxy: %v", err)
	}
	agentKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair agent: %v", err)
	}

	ln := startEchoProxy(t, agentKP.Public, proxyKP.Private)
	defer ln.Close()

	rec := &userrepo.Record{
		Username:     "agent-1",
		PublicKey:    proxyKP.Public,
		ProxyServers: []string{ln.Addr().String()},
	}
	repo := &fakeRepo{rec: rec}

	d := New(Config{
		ConnectTimeout:              2 * time.Second,
		AgentToProxyRelayBufferSize: 4096,
		ProxyToAgentRelayBufferSize: 4096,
	}, "agent-1", agentKP.Private, repo, pool.DefaultSelector{}, nil)

	clientSide, dispatcherSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- d.HandleConnection(ctx, dispatcherSide)
	}()

	// SOCKS5 greeting: version 5, 1 method, no-auth.
	if _, err := clientSide.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	authReply := make([]byte, 2)
	if _, err := io.ReadFull(clientSide, authReply); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if authReply[0] != 0x05 || authReply[1] != 0x00 {
		t.Fatalf("unexpected auth reply: %v", authReply)
	}

	// CONNECT request to 93.184.216.34:443.
	req := []byte{0x05, socks5CmdConnect, 0x00, socks5AtypIPv4, 93, 184, 216, 34, 0x01, 0xBB}
	if _, err := clientSide.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(clientSide, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != socks5ReplySucceeded {
		t.Fatalf("expected succeeded reply, got %v", reply)
	}

	payload := []byte("hello through the tunnel")
	if _, err := clientSide.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(clientSide, echoed); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("expected echo of %q, got %q", payload, echoed)
	}

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not finish after client close")
	}
}
