// Package metrics registers the Prometheus collectors for the daemon.
// Everything registers on the default registry; the web server mounts
// promhttp.Handler() at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesDecoded counts TCP frames decoded into usable messages.
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuyalink_frames_decoded_total",
		Help: "TCP frames from devices decoded successfully",
	})

	// FramesRejected counts TCP frames dropped as undecodable.
	FramesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuyalink_frames_rejected_total",
		Help: "TCP frames from devices dropped as undecodable",
	})

	// BeaconsTotal counts discovery beacons applied to the device table.
	BeaconsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuyalink_beacons_total",
		Help: "Discovery beacons applied to the device table",
	})

	// CommandsSent counts CONTROL commands sent to devices, retries included.
	CommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuyalink_commands_sent_total",
		Help: "Control commands sent to devices, retries included",
	})

	// EventsTotal counts controller events by type.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuyalink_events_total",
		Help: "Controller events emitted, by event type",
	}, []string{"type"})

	// Devices is the current device table size.
	Devices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuyalink_devices",
		Help: "Devices in the table, configured and discovered",
	})

	// DevicesReachable is the number of devices currently heard from.
	DevicesReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuyalink_devices_reachable",
		Help: "Devices detected on the network and not yet silent",
	})
)
