// core/tun/pipe_test.go

package tun

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestPipeRoundTrip(t *testing.T) {
	p := NewPipe("test0", 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.Inject(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	buf := make([]byte, 16)
	n, err := p.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("Read() = %d, %v, want 3, nil", n, err)
	}

	if _, err := p.Write([]byte{9, 9}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	pkt, err := p.Next(ctx)
	if err != nil || len(pkt) != 2 {
		t.Fatalf("Next() = %v, %v", pkt, err)
	}
}

func TestPipeCloseUnblocksRead(t *testing.T) {
	p := NewPipe("test0", 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 10))
		errCh <- err
	}()

	p.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDeviceClosed) {
			t.Errorf("Read() error = %v, want ErrDeviceClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read() did not return after Close()")
	}
	if !p.Closed() {
		t.Error("Closed() = false after Close()")
	}
}

func TestPipeFailWrites(t *testing.T) {
	p := NewPipe("test0", 1)
	boom := errors.New("io failure")
	p.FailWrites(boom)
	if _, err := p.Write([]byte{1}); !errors.Is(err, boom) {
		t.Errorf("Write() error = %v, want %v", err, boom)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"有效配置", Config{Address: netip.MustParsePrefix("10.111.222.1/24"), Route: netip.MustParsePrefix("10.111.222.2/32")}, false},
		{"缺少地址", Config{}, true},
		{"IPv6路由", Config{Address: netip.MustParsePrefix("10.0.0.1/24"), Route: netip.MustParsePrefix("::/0")}, true},
		{"MTU越界", Config{Address: netip.MustParsePrefix("10.0.0.1/24"), MTU: 70000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
