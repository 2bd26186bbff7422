package vtnet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics counts data-plane activity. With a nil registerer the counters
// still exist but register nowhere, so the hot paths never branch.
type metrics struct {
	txFrames prometheus.Counter
	txBytes  prometheus.Counter
	rxFrames prometheus.Counter
	rxBytes  prometheus.Counter
	rxDrops  prometheus.Counter
	resets   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, device string) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"device": device}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "virtnet",
			Subsystem:   "vtnet",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &metrics{
		txFrames: counter("tx_frames_total", "Frames transmitted by the guest."),
		txBytes:  counter("tx_bytes_total", "Bytes transmitted by the guest, vnet headers included."),
		rxFrames: counter("rx_frames_total", "Frames delivered to the guest."),
		rxBytes:  counter("rx_bytes_total", "Bytes delivered to the guest, vnet headers included."),
		rxDrops:  counter("rx_dropped_frames_total", "Inbound frames dropped for want of guest buffers."),
		resets:   counter("resets_total", "Device resets requested by the guest."),
	}
}
