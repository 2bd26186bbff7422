package vtnet

import (
	"log/slog"

	"github.com/tinyrange/virtnet/internal/virtio"
)

// pingTXQ handles a guest kick on the TX queue. Runs on the vCPU thread
// and must not perform I/O: it only flips the notify window and wakes the
// worker.
func (d *Device) pingTXQ(vq *virtio.Queue) {
	if !vq.HasDescs() {
		return
	}
	d.txMtx.Lock()
	vq.SetNoNotify()
	if !d.txInProgress {
		d.txCond.Signal()
	}
	d.txMtx.Unlock()
}

// txWorker is the device's transmit thread. It parks on txCond until the
// first kick, then alternates between draining the ring and sleeping.
func (d *Device) txWorker() {
	vq := d.queues[queueTX]

	// The initial kick doubles as the signal that the guest has set the
	// ring up.
	d.txMtx.Lock()
	d.txCond.Wait()

	for {
		// txMtx is held here.
		for d.resetting.Load() || !vq.HasDescs() {
			vq.ClearNoNotify()
			// Re-check after reopening the notify window; the atomic load
			// orders the flag clear before the ring read. A kick that
			// landed between "ring empty" and the clear is caught here
			// instead of being lost.
			if !d.resetting.Load() && vq.HasDescs() {
				break
			}
			d.txInProgress = false
			d.txCond.Wait()
		}
		vq.SetNoNotify()
		d.txInProgress = true
		d.txMtx.Unlock()

		for {
			d.procTX(vq)
			if !vq.HasDescs() {
				break
			}
		}

		// Interrupt if warranted, including NOTIFY_ON_EMPTY.
		vq.EndChains(true)

		d.txMtx.Lock()
	}
}

// procTX moves one chain from the TX ring to the backend. The chain's
// first bytes are the guest-written vnet header; the backend consumes the
// whole thing.
func (d *Device) procTX(vq *virtio.Queue) {
	chain, ok, err := vq.NextChain(maxSegs)
	if err != nil {
		slog.Warn("vtnet: tx chain fetch failed", "err", err)
		return
	}
	if !ok {
		return
	}

	length := chain.Len()
	if d.be != nil {
		if _, err := d.be.Send(chain.Iov, length, false); err != nil {
			slog.Debug("vtnet: backend send failed", "err", err)
		}
	}

	vq.RelChain(chain.Head, uint32(length))
	d.metrics.txFrames.Inc()
	d.metrics.txBytes.Add(float64(length))
}
