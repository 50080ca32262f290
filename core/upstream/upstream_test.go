// core/upstream/upstream_test.go

package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PhotonDNS/core/model"
)

// startUDPServer 启动回答A记录的本地DNS服务器
func startUDPServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
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

func TestUDPExchanger(t *testing.T) {
	addr := startUDPServer(t, answerA)
	ex := NewUDPExchanger(addr, time.Second)

	resp, err := ex.Exchange(context.Background(), NewQuery("example.com", dns.TypeA))
	require.NoError(t, err)
	assert.True(t, HasAnswer(resp))
}

func TestUDPExchangerTimeout(t *testing.T) {
	addr := startUDPServer(t, func(w dns.ResponseWriter, r *dns.Msg) {})
	ex := NewUDPExchanger(addr, 100*time.Millisecond)

	_, err := ex.Exchange(context.Background(), NewQuery("example.com", dns.TypeA))
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestDoHExchanger(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, dohContentType, r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		q := new(dns.Msg)
		require.NoError(t, q.Unpack(body))
		assert.Equal(t, uint16(0), q.Id)

		m := new(dns.Msg)
		m.SetReply(q)
		rr, _ := dns.NewRR(q.Question[0].Name + " 60 IN A 192.0.2.1")
		m.Answer = append(m.Answer, rr)
		out, _ := m.Pack()
		w.Header().Set("Content-Type", dohContentType)
		w.Write(out)
	}))
	defer srv.Close()

	ex := &DoHExchanger{Client: NewDoHClientWithHTTP(srv.Client()), URL: srv.URL + "/dns-query"}
	q := NewQuery("example.com", dns.TypeA)
	resp, err := ex.Exchange(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, HasAnswer(resp))
	assert.Equal(t, q.Id, resp.Id)
}

func TestDoHBadStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewDoHClientWithHTTP(srv.Client())
	_, err := c.ExchangeRaw(context.Background(), srv.URL, []byte{0, 1})
	assert.ErrorIs(t, err, ErrUpstreamUnreachable)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.ErrorIs(t, Classify(context.DeadlineExceeded), ErrUpstreamTimeout)
	assert.ErrorIs(t, Classify(errors.New("connection refused")), ErrUpstreamUnreachable)
	wrapped := Classify(ErrUpstreamTimeout)
	assert.ErrorIs(t, wrapped, ErrUpstreamTimeout)
}

func TestFactory(t *testing.T) {
	f := NewFactory(time.Second)
	_, ok := f.For(model.NewDNSServerProfile("a", "A", "192.0.2.53", "")).(*UDPExchanger)
	assert.True(t, ok)
	_, ok = f.For(model.NewDoHServerProfile("d", "D", "https://dns.example/dns-query")).(*DoHExchanger)
	assert.True(t, ok)
}
