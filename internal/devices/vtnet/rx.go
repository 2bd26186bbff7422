package vtnet

import (
	"log/slog"

	"github.com/tinyrange/virtnet/internal/virtio"
)

// pingRXQ handles a guest kick on the RX queue. The first kick latches the
// ring as ready and suppresses further kicks; from then on the backend's
// readable events drive delivery.
func (d *Device) pingRXQ(vq *virtio.Queue) {
	if d.rxReady.CompareAndSwap(false, true) {
		vq.SetNoNotify()
	}
}

// rxCallback is handed to the backend at init; it fires on the event-loop
// thread when inbound frames are pending.
func (d *Device) rxCallback() {
	d.rxMtx.Lock()
	d.rx()
	d.rxMtx.Unlock()
}

// rx drains pending frames into guest RX chains. Caller holds rxMtx.
func (d *Device) rx() {
	vq := d.queues[queueRX]

	if !d.rxReady.Load() || d.resetting.Load() {
		// Ring not set up yet, or the guest is resetting the device.
		// Drop one frame and try again later.
		d.rxDiscard()
		return
	}

	if !vq.HasDescs() {
		// No buffers posted. Drop the frame; interrupt-on-empty if that
		// was negotiated.
		d.rxDiscard()
		d.metrics.rxDrops.Inc()
		vq.EndChains(true)
		return
	}

	for {
		chain, ok, err := vq.NextChain(maxSegs)
		if err != nil {
			slog.Warn("vtnet: rx chain fetch failed", "err", err)
			break
		}
		if !ok {
			break
		}

		n, err := d.be.Recv(chain.Iov)
		if err != nil {
			// Abort the pass; the event loop redelivers while frames
			// remain readable.
			slog.Debug("vtnet: backend recv failed", "err", err)
			break
		}
		if n == 0 {
			// No more frames, but avail entries remain. Hand the chain
			// back untouched and skip the NOTIFY_ON_EMPTY interrupt; chains
			// published earlier in this pass still interrupt as usual.
			vq.RetChain()
			vq.EndChains(false)
			return
		}

		vq.RelChain(chain.Head, uint32(n))
		d.metrics.rxFrames.Inc()
		d.metrics.rxBytes.Add(float64(n))

		if !vq.HasDescs() {
			break
		}
	}

	vq.EndChains(true)
}

// rxDiscard lets the backend drop exactly one frame into a scratch region
// so the host-side queue keeps moving while the guest rings are unusable.
func (d *Device) rxDiscard() {
	if d.be == nil {
		return
	}
	if d.discardBuf == nil {
		d.discardBuf = make([]byte, discardBufSize)
	}
	if _, err := d.be.Recv([][]byte{d.discardBuf}); err != nil {
		slog.Debug("vtnet: discard recv failed", "err", err)
	}
}
