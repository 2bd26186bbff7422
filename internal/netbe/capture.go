package netbe

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const captureSnapLen = 65536

// WithCapture wraps a backend so every frame crossing it (vnet header
// stripped) is also written to a pcap stream. Capture failures are logged,
// never propagated; observation must not break the data path.
func WithCapture(be Backend, w io.Writer) (Backend, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("netbe: pcap header: %w", err)
	}
	return &captureBackend{inner: be, w: pw, vhdrLen: 10}, nil
}

type captureBackend struct {
	inner Backend

	mu      sync.Mutex
	w       *pcapgo.Writer
	vhdrLen int
}

func (c *captureBackend) Send(iov [][]byte, length int, more bool) (int, error) {
	n, err := c.inner.Send(iov, length, more)
	if err == nil {
		buf := gather(iov)
		if len(buf) > length {
			buf = buf[:length]
		}
		c.record(buf)
	}
	return n, err
}

func (c *captureBackend) Recv(iov [][]byte) (int, error) {
	n, err := c.inner.Recv(iov)
	if err == nil && n > 0 {
		buf := gather(iov)
		if n < len(buf) {
			buf = buf[:n]
		}
		c.record(buf)
	}
	return n, err
}

func (c *captureBackend) record(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(frame) <= c.vhdrLen {
		return
	}
	frame = frame[c.vhdrLen:]
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := c.w.WritePacket(ci, frame); err != nil {
		slog.Debug("netbe: pcap write failed", "err", err)
	}
}

func (c *captureBackend) Capabilities() uint64 {
	return c.inner.Capabilities()
}

func (c *captureBackend) SetCapabilities(features uint64, vhdrLen int) error {
	c.mu.Lock()
	c.vhdrLen = vhdrLen
	c.mu.Unlock()
	return c.inner.SetCapabilities(features, vhdrLen)
}

func (c *captureBackend) Close() error {
	return c.inner.Close()
}
