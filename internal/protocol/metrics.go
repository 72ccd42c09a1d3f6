package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "loadforge_protocol_"

var framesSent = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "frames_sent_total",
		Help: "Frames written, by frame type",
	},
	[]string{"type"},
)

var framesReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "frames_received_total",
		Help: "Frames read, by frame type",
	},
	[]string{"type"},
)

var protocolErrors = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: metricsPrefix + "errors_total",
		Help: "Connections closed because of a malformed frame",
	},
)

func frameType(isResponse bool) string {
	if isResponse {
		return "response"
	}
	return "message"
}
