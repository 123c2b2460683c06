package connlib

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quhxuxm/ppaass-v3/internal/cryptoops"
	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
	"github.com/quhxuxm/ppaass-v3/internal/wire"
)

func pairedConnections(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	return NewConnection(a), NewConnection(b)
}

func TestHandshakeAndTunnelInitAndRelay(t *testing.T) {
	initiatorConn, responderConn := pairedConnections(t)

	responderKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	initiatorKP, err := cryptoops.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var initiatorErr, responderErr error
	var responderUsername string

	go func() {
		defer wg.Done()
		initiatorErr = initiatorConn.InitiatorHandshake("user-1", responderKP.Public, initiatorKP.Private)
	}()
	go func() {
		defer wg.Done()
		lookup := func(username string) (*rsa.PublicKey, error) {
			if username != "user-1" {
				return nil, relayerr.ErrUserNotFound
			}
			return initiatorKP.Public, nil
		}
		responderUsername, responderErr = responderConn.ResponderHandshake(lookup, responderKP.Private)
	}()
	wg.Wait()

	if initiatorErr != nil {
		t.Fatalf("initiator handshake: %v", initiatorErr)
	}
	if responderErr != nil {
		t.Fatalf("responder handshake: %v", responderErr)
	}
	if responderUsername != "user-1" {
		t.Fatalf("responder resolved wrong username: %q", responderUsername)
	}
	if initiatorConn.Phase() != PhaseTunnelCtl || responderConn.Phase() != PhaseTunnelCtl {
		t.Fatalf("expected both sides in tunnel-ctl phase")
	}

	wg.Add(2)
	var tunnelInitErr, waitErr error
	var waitReq wire.TunnelInitRequest
	go func() {
		defer wg.Done()
		waitReq, waitErr = responderConn.WaitTunnelInit()
		if waitErr == nil {
			waitErr = responderConn.RespondTunnelInit(true, 0)
		}
	}()

	var tunnelResp wire.TunnelInitResponse
	go func() {
		defer wg.Done()
		tunnelResp, tunnelInitErr = initiatorConn.TunnelInit(wire.UnifiedAddress{
			Kind: wire.UnifiedAddressDomain, Host: "example.com", Port: 443,
		}, true)
	}()
	wg.Wait()

	if waitErr != nil {
		t.Fatalf("WaitTunnelInit: %v", waitErr)
	}
	if tunnelInitErr != nil {
		t.Fatalf("TunnelInit: %v", tunnelInitErr)
	}
	if !tunnelResp.Success {
		t.Fatalf("expected tunnel init success")
	}
	if waitReq.DestinationAddress.Host != "example.com" || waitReq.DestinationAddress.Port != 443 {
		t.Fatalf("responder saw wrong destination: %+v", waitReq.DestinationAddress)
	}
	if initiatorConn.Phase() != PhaseRelay || responderConn.Phase() != PhaseRelay {
		t.Fatalf("expected both sides in relay phase")
	}

	initiatorStream, err := initiatorConn.RelayStream()
	if err != nil {
		t.Fatalf("initiator RelayStream: %v", err)
	}
	responderStream, err := responderConn.RelayStream()
	if err != nil {
		t.Fatalf("responder RelayStream: %v", err)
	}

	payload := []byte("hello through the tunnel")
	wg.Add(1)
	var writeErr error
	go func() {
		defer wg.Done()
		_, writeErr = initiatorStream.Write(payload)
	}()
	received := make([]byte, len(payload))
	if _, err := io.ReadFull(responderStream, received); err != nil {
		t.Fatalf("reading relay payload: %v", err)
	}
	wg.Wait()
	if writeErr != nil {
		t.Fatalf("writing relay payload: %v", writeErr)
	}
	if !bytes.Equal(received, payload) {
		t.Fatalf("relay payload mismatch: got %q", received)
	}
}

func TestTunnelInitHeartbeatFlood(t *testing.T) {
	initiatorConn, responderConn := pairedConnections(t)
	initiatorConn.phase = PhaseTunnelCtl
	responderConn.phase = PhaseTunnelCtl
	sharedEnc := cryptoops.Encryption{Kind: cryptoops.KindAes, Token: make([]byte, cryptoops.AesTokenSize)}
	initiatorConn.codec = newCryptoCodec(initiatorConn.conn, sharedEnc, sharedEnc)
	responderConn.codec = newCryptoCodec(responderConn.conn, sharedEnc, sharedEnc)

	var wg sync.WaitGroup
	wg.Add(1)
	var tunnelInitErr error
	go func() {
		defer wg.Done()
		_, tunnelInitErr = initiatorConn.TunnelInit(wire.UnifiedAddress{
			Kind: wire.UnifiedAddressDomain, Host: "example.com", Port: 443,
		}, false)
	}()

	// Play the responder role by hand: drain the TunnelInit request, then
	// send spurious heartbeat responses instead of ever answering with a
	// real TunnelInit response, to exercise the initiator's own flood
	// protection while it waits.
	if _, err := readTunnelControlRequest(responderConn.codec); err != nil {
		t.Fatalf("reading tunnel init request: %v", err)
	}

	// The first heartbeatFloodThreshold-1 heartbeat responses are tolerated.
	for i := 0; i < heartbeatFloodThreshold-1; i++ {
		if err := writeTunnelControlResponse(responderConn.codec, wire.TunnelControlResponse{
			Kind:      wire.TunnelControlResponseHeartbeat,
			Heartbeat: wire.HeartbeatResponse{TimestampMillis: time.Now().UnixMilli()},
		}); err != nil {
			t.Fatalf("writing heartbeat response at iteration %d: %v", i, err)
		}
	}
	// The threshold-reaching heartbeat response trips the initiator's flood
	// check, which then gives up without writing anything back.
	if err := writeTunnelControlResponse(responderConn.codec, wire.TunnelControlResponse{
		Kind:      wire.TunnelControlResponseHeartbeat,
		Heartbeat: wire.HeartbeatResponse{TimestampMillis: time.Now().UnixMilli()},
	}); err != nil {
		t.Fatalf("writing flood-triggering heartbeat response: %v", err)
	}
	wg.Wait()
	if !errors.Is(tunnelInitErr, relayerr.ErrHeartbeatFlood) {
		t.Fatalf("expected heartbeat flood error, got %v", tunnelInitErr)
	}
}
