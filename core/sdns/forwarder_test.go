// core/sdns/forwarder_test.go

package sdns

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PhotonDNS/core/codec"
	"PhotonDNS/core/model"
	"PhotonDNS/core/tun"
	"PhotonDNS/core/upstream"
)

// startUpstream 启动回答A记录的本地DNS服务器
func startUpstream(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(answerA), NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func answerA(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 192.0.2.1")
	m.Answer = append(m.Answer, rr)
	w.WriteMsg(m)
}

// queryPacket 构造客户端发往虚拟DNS地址的查询包
func queryPacket(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.Id = id
	payload, err := msg.Pack()
	require.NoError(t, err)
	pkt, err := codec.BuildResponsePacket(testClient, testServer, payload, 1)
	require.NoError(t, err)
	return pkt
}

type forwardHarness struct {
	pipe      *tun.Pipe
	pending   *PendingQueryTable
	forwarder *Forwarder
	pump      *PacketPump
	fatal     atomic.Pointer[error]
}

func newHarness(t *testing.T, addr string, doh *upstream.DoHClient) *forwardHarness {
	t.Helper()
	h := &forwardHarness{pipe: tun.NewPipe("pipe0", 16), pending: NewPendingQueryTable()}
	onFatal := func(err error) { h.fatal.Store(&err) }
	cfg := ForwarderConfig{
		ReceiveTimeout: 100 * time.Millisecond,
		Workers:        2,
		AddressFor:     func(*model.DNSServerProfile) string { return addr },
	}
	if doh == nil {
		doh = upstream.NewDoHClient(time.Second)
	}
	h.forwarder = NewForwarder(cfg, h.pipe, h.pending, doh, onFatal)
	h.pump = NewPacketPump(h.pipe, h.pending, h.forwarder, 0, onFatal)
	t.Cleanup(func() {
		h.pipe.Close()
		h.forwarder.Close()
	})
	return h
}

func (h *forwardHarness) run(ctx context.Context) {
	go h.pump.Run(ctx)
	go h.forwarder.ReceiveLoop(ctx)
}

func assertResponse(t *testing.T, pkt []byte, id uint16) {
	t.Helper()
	ip, err := codec.ParseIPv4Header(pkt)
	require.NoError(t, err)
	assert.Equal(t, testServer.Addr(), ip.Src)
	assert.Equal(t, testClient.Addr(), ip.Dst)
	assert.Equal(t, codec.IPv4Checksum(pkt[:ip.HeaderLen]), ip.Checksum)

	udp, err := codec.ParseUDPHeader(pkt, ip.HeaderLen)
	require.NoError(t, err)
	assert.Equal(t, testServer.Port(), udp.SrcPort)
	assert.Equal(t, testClient.Port(), udp.DstPort)

	payload, err := codec.UDPPayload(pkt, ip, udp)
	require.NoError(t, err)
	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(payload))
	assert.Equal(t, id, resp.Id)
	assert.True(t, resp.Response)
	require.Len(t, resp.Answer, 1)
}

func TestForwardUDPRoundTrip(t *testing.T) {
	addr := startUpstream(t)
	h := newHarness(t, addr, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.forwarder.SetActive(model.NewDNSServerProfile("local", "本地", "127.0.0.1", "")))
	h.run(ctx)

	require.NoError(t, h.pipe.Inject(ctx, queryPacket(t, 0xbeef, "example.com")))
	pkt, err := h.pipe.Next(ctx)
	require.NoError(t, err)
	assertResponse(t, pkt, 0xbeef)

	assert.Equal(t, 0, h.pending.Len())
	stats := h.forwarder.Stats()
	assert.Equal(t, uint64(1), stats.Forwarded)
	assert.Equal(t, uint64(1), stats.Answered)
	assert.Equal(t, uint64(1), h.pump.Stats().Queries)
}

func TestForwardDoHRoundTrip(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		q := new(dns.Msg)
		if q.Unpack(body) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m := new(dns.Msg)
		m.SetReply(q)
		rr, _ := dns.NewRR(q.Question[0].Name + " 60 IN A 192.0.2.1")
		m.Answer = append(m.Answer, rr)
		out, _ := m.Pack()
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(out)
	}))
	defer srv.Close()

	h := newHarness(t, "", upstream.NewDoHClientWithHTTP(srv.Client()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.forwarder.SetActive(model.NewDoHServerProfile("doh", "DoH", srv.URL+"/dns-query")))
	h.run(ctx)

	require.NoError(t, h.pipe.Inject(ctx, queryPacket(t, 0x0102, "example.org")))
	pkt, err := h.pipe.Next(ctx)
	require.NoError(t, err)
	assertResponse(t, pkt, 0x0102)
}

func TestPumpClassification(t *testing.T) {
	h := newHarness(t, "127.0.0.1:9", nil)
	ctx := context.Background()

	t.Run("TCP原样写回", func(t *testing.T) {
		ip := codec.BuildIPv4Header(codec.IPv4Header{
			TotalLength: 40,
			Protocol:    codec.ProtocolTCP,
			Src:         testClient.Addr(),
			Dst:         testServer.Addr(),
		})
		pkt := append(ip, make([]byte, 20)...)
		disp, err := h.pump.HandlePacket(ctx, pkt)
		require.NoError(t, err)
		assert.Equal(t, DispositionPassThrough, disp)
		out, err := h.pipe.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, pkt, out)
	})

	t.Run("非IPv4原样写回", func(t *testing.T) {
		pkt := []byte{0x60, 0, 0, 0}
		disp, err := h.pump.HandlePacket(ctx, pkt)
		require.NoError(t, err)
		assert.Equal(t, DispositionPassThrough, disp)
		_, err = h.pipe.Next(ctx)
		require.NoError(t, err)
	})

	t.Run("非53端口原样写回", func(t *testing.T) {
		pkt, err := codec.BuildResponsePacket(testClient, netip.MustParseAddrPort("10.111.222.2:123"), []byte{1, 2, 3}, 1)
		require.NoError(t, err)
		disp, err := h.pump.HandlePacket(ctx, pkt)
		require.NoError(t, err)
		assert.Equal(t, DispositionPassThrough, disp)
		_, err = h.pipe.Next(ctx)
		require.NoError(t, err)
	})

	t.Run("DNS负载过短", func(t *testing.T) {
		pkt, err := codec.BuildResponsePacket(testClient, testServer, make([]byte, 5), 1)
		require.NoError(t, err)
		disp, err := h.pump.HandlePacket(ctx, pkt)
		assert.ErrorIs(t, err, codec.ErrMalformedPacket)
		assert.Equal(t, DispositionDropped, disp)
	})

	t.Run("响应位已置位", func(t *testing.T) {
		msg := new(dns.Msg)
		msg.SetQuestion("example.com.", dns.TypeA)
		msg.Response = true
		payload, _ := msg.Pack()
		pkt, err := codec.BuildResponsePacket(testClient, testServer, payload, 1)
		require.NoError(t, err)
		disp, err := h.pump.HandlePacket(ctx, pkt)
		assert.ErrorIs(t, err, codec.ErrMalformedPacket)
		assert.Equal(t, DispositionDropped, disp)
	})

	t.Run("无问题段", func(t *testing.T) {
		pkt, err := codec.BuildResponsePacket(testClient, testServer, make([]byte, codec.DNSHeaderLen), 1)
		require.NoError(t, err)
		disp, err := h.pump.HandlePacket(ctx, pkt)
		assert.ErrorIs(t, err, codec.ErrMalformedPacket)
		assert.Equal(t, DispositionDropped, disp)
	})

	assert.Equal(t, 0, h.pending.Len())
	assert.Equal(t, uint64(3), h.pump.Stats().Dropped)
}

func TestForwardWithoutActiveDropsPending(t *testing.T) {
	h := newHarness(t, "127.0.0.1:9", nil)
	disp, err := h.pump.HandlePacket(context.Background(), queryPacket(t, 42, "example.com"))
	require.NoError(t, err)
	assert.Equal(t, DispositionDropped, disp)
	assert.Equal(t, 0, h.pending.Len())
}

func TestDeliverUnmatched(t *testing.T) {
	h := newHarness(t, "127.0.0.1:9", nil)
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Id = 77
	msg.Response = true
	raw, _ := msg.Pack()

	err := h.forwarder.Deliver(raw)
	assert.ErrorIs(t, err, ErrNoMatchingQuery)
	assert.Equal(t, uint64(1), h.forwarder.Stats().Unmatched)

	assert.ErrorIs(t, h.forwarder.Deliver([]byte{1, 2}), codec.ErrMalformedPacket)
}

func TestDeliverWriteFailureIsFatal(t *testing.T) {
	h := newHarness(t, "127.0.0.1:9", nil)
	h.pending.Register(5, testClient, testServer)
	h.pipe.FailWrites(errors.New("input/output error"))

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Id = 5
	msg.Response = true
	raw, _ := msg.Pack()

	err := h.forwarder.Deliver(raw)
	assert.ErrorIs(t, err, ErrInterfaceIO)
	require.NotNil(t, h.fatal.Load())
	assert.ErrorIs(t, *h.fatal.Load(), ErrInterfaceIO)
}

func TestSetActiveBindFailure(t *testing.T) {
	h := newHarness(t, "not-an-address", nil)
	err := h.forwarder.SetActive(model.NewDNSServerProfile("bad", "bad", "127.0.0.1", ""))
	assert.ErrorIs(t, err, ErrSocketBind)
	assert.False(t, h.forwarder.Usable("bad"))
	assert.Nil(t, h.forwarder.Active())
}

func TestSetActiveClosesPreviousSocket(t *testing.T) {
	addr := startUpstream(t)
	h := newHarness(t, addr, nil)
	a := model.NewDNSServerProfile("a", "A", "127.0.0.1", "")
	b := model.NewDNSServerProfile("b", "B", "127.0.0.1", "")

	require.NoError(t, h.forwarder.SetActive(a))
	require.NoError(t, h.forwarder.SetActive(b))
	conns := h.forwarder.snapshotConns()
	require.Len(t, conns, 1)
	assert.Equal(t, "b", conns[0].resolverID)

	h.forwarder.Close()
	assert.ErrorIs(t, h.forwarder.SetActive(a), ErrEngineNotRunning)
}
