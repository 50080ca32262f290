/*
PhotonDNS - DNS拦截转发与自适应切换引擎

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
// core/upstream/doh.go

package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

const (
	dohContentType = "application/dns-message"
	// 响应体上限与TCP报文上限一致
	maxDoHResponseSize = 65535
)

// DoHClient 发送DNS线格式的HTTPS POST请求
type DoHClient struct {
	client *http.Client
}

// NewDoHClient 创建启用HTTP/2的DoH客户端
func NewDoHClient(timeout time.Duration) *DoHClient {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: timeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	// 失败时保留HTTP/1.1
	_ = http2.ConfigureTransport(transport)
	return &DoHClient{client: &http.Client{Transport: transport, Timeout: timeout}}
}

// NewDoHClientWithHTTP 使用指定http.Client，测试中用于httptest服务器
func NewDoHClientWithHTTP(client *http.Client) *DoHClient {
	return &DoHClient{client: client}
}

// ExchangeRaw POST原始DNS报文并返回原始响应
func (c *DoHClient) ExchangeRaw(ctx context.Context, url string, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dohContentType)
	req.Header.Set("Accept", dohContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: doh status %d", ErrUpstreamUnreachable, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != dohContentType {
		return nil, fmt.Errorf("%w: doh content-type %q", ErrUpstreamUnreachable, ct)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDoHResponseSize))
	if err != nil {
		return nil, Classify(err)
	}
	return raw, nil
}

// CloseIdleConnections 关闭空闲连接
func (c *DoHClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// DoHExchanger 针对单个DoH端点的交换器
type DoHExchanger struct {
	Client *DoHClient
	URL    string
}

// Exchange 发送查询并解析响应
func (d *DoHExchanger) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	query := msg.Copy()
	query.Id = 0
	raw, err := query.Pack()
	if err != nil {
		return nil, err
	}

	rawResp, err := d.Client.ExchangeRaw(ctx, d.URL, raw)
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(rawResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	resp.Id = msg.Id
	return resp, nil
}
