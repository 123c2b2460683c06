package proxytun

import (
	"bytes"
	"context"
	"crypto/rsa"
	"io"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/quhxuxm/ppaass-v3/internal/connlib"
	"github.com/quhxuxm/ppaass-v3/internal/cryptoops"
	"github.com/quhxuxm/ppaass-v3/internal/dnsresolve"
	"github.com/quhxuxm/ppaass-v3/internal/userrepo"
	"github.com/quhxuxm/ppaass-v3/internal/wire"
)

type fakeRepo struct{ rec *userrepo.Record }

func (f *fakeRepo) Get(username string) (*userrepo.Record, error) { return f.rec, nil }
func (f *fakeRepo) GetAny() (*userrepo.Record, error)              { return f.rec, nil }

// startEchoDestination listens on 127.0.0.1 and echoes back whatever bytes
// it receives, standing in for the real destination endpoint.
func startEchoDestination(t *testing.T) net.Listener {
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
		io.Copy(c, c)
	}()
	return ln
}

func TestStateMachineDirectDestinationSuccess(t *testing.T) {
	proxyKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair proxy: %v", err)
	}
	agentKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair agent: %v", err)
	}

	destLn := startEchoDestination(t)
	defer destLn.Close()

	rec := &userrepo.Record{Username: "agent-1", PublicKey: agentKP.Public}
	repo := &fakeRepo{rec: rec}

	sm := New(Config{
		DestinationConnectTimeout:         2 * time.Second,
		ProxyToDestinationRelayBufferSize: 4096,
		DestinationToProxyRelayBufferSize: 4096,
	}, repo, proxyKP.Private, nil, nil)

	agentSide, proxySide := net.Pipe()
	defer agentSide.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- sm.HandleConnection(ctx, proxySide)
	}()

	agentConn := connlib.NewConnection(agentSide)
	if err := agentConn.InitiatorHandshake("agent-1", proxyKP.Public, agentKP.Private); err != nil {
		t.Fatalf("InitiatorHandshake: %v", err)
	}

	destAddr := destLn.Addr().(*net.TCPAddr)
	destination := wire.NewUnifiedAddress(destAddr.IP.String(), uint16(destAddr.Port))
	resp, err := agentConn.TunnelInit(destination, false)
	if err != nil {
		t.Fatalf("TunnelInit: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected tunnel init success, got failure reason %v", resp.Failure)
	}

	stream, err := agentConn.RelayStream()
	if err != nil {
		t.Fatalf("RelayStream: %v", err)
	}
	payload := []byte("hello destination")
	if _, err := stream.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(stream, echoed); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("expected echo of %q, got %q", payload, echoed)
	}

	agentSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("state machine did not finish after agent close")
	}
}

func TestStateMachineDirectDestinationUnreachable(t *testing.T) {
	proxyKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair proxy: %v", err)
	}
	agentKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair agent: %v", err)
	}

	// Bind and immediately close to get a guaranteed-unreachable port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	rec := &userrepo.Record{Username: "agent-1", PublicKey: agentKP.Public}
	repo := &fakeRepo{rec: rec}

	sm := New(Config{
		DestinationConnectTimeout:         500 * time.Millisecond,
		ProxyToDestinationRelayBufferSize: 4096,
		DestinationToProxyRelayBufferSize: 4096,
	}, repo, proxyKP.Private, nil, nil)

	agentSide, proxySide := net.Pipe()
	defer agentSide.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- sm.HandleConnection(ctx, proxySide)
	}()

	agentConn := connlib.NewConnection(agentSide)
	if err := agentConn.InitiatorHandshake("agent-1", proxyKP.Public, agentKP.Private); err != nil {
		t.Fatalf("InitiatorHandshake: %v", err)
	}

	destination := wire.NewUnifiedAddress(deadAddr.IP.String(), uint16(deadAddr.Port))
	resp, err := agentConn.TunnelInit(destination, false)
	if err != nil {
		t.Fatalf("TunnelInit: %v", err)
	}
	if resp.Success {
		t.Fatalf("expected tunnel init failure for unreachable destination")
	}
	if resp.Failure != wire.FailureInitWithDestinationFail {
		t.Fatalf("expected FailureInitWithDestinationFail, got %v", resp.Failure)
	}

	agentSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("state machine did not finish after agent close")
	}
}

// startFakeNameserver answers every A query for domain with ip.
func startFakeNameserver(t *testing.T, domain, ip string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	mux := dns.NewServeMux()
	mux.HandleFunc(domain+".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR(domain + ". 30 IN A " + ip)
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})
	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestStateMachineDirectDestinationResolvesDomainViaResolver(t *testing.T) {
	proxyKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair proxy: %v", err)
	}
	agentKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair agent: %v", err)
	}

	destLn := startEchoDestination(t)
	defer destLn.Close()
	destAddr := destLn.Addr().(*net.TCPAddr)

	nsAddr := startFakeNameserver(t, "destination.test", destAddr.IP.String())
	resolver, err := dnsresolve.New(dnsresolve.Config{Nameservers: []string{nsAddr}, QueryTimeout: time.Second})
	if err != nil {
		t.Fatalf("dnsresolve.New: %v", err)
	}

	rec := &userrepo.Record{Username: "agent-1", PublicKey: agentKP.Public}
	repo := &fakeRepo{rec: rec}

	sm := New(Config{
		DestinationConnectTimeout:         2 * time.Second,
		ProxyToDestinationRelayBufferSize: 4096,
		DestinationToProxyRelayBufferSize: 4096,
	}, repo, proxyKP.Private, nil, resolver)

	agentSide, proxySide := net.Pipe()
	defer agentSide.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- sm.HandleConnection(ctx, proxySide)
	}()

	agentConn := connlib.NewConnection(agentSide)
	if err := agentConn.InitiatorHandshake("agent-1", proxyKP.Public, agentKP.Private); err != nil {
		t.Fatalf("InitiatorHandshake: %v", err)
	}

	destination := wire.NewUnifiedAddress("destination.test", uint16(destAddr.Port))
	resp, err := agentConn.TunnelInit(destination, false)
	if err != nil {
		t.Fatalf("TunnelInit: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected tunnel init success, got failure reason %v", resp.Failure)
	}

	agentSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("state machine did not finish after agent close")
	}
}
