// Package metrics exposes a session's health to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vmslink/internal/session"
)

const namespace = "vmslink"

// Source is anything that can report session statistics.
type Source interface {
	Stats() session.Stats
}

var (
	connectedDesc = prometheus.NewDesc(
		namespace+"_connected", "Whether the session holds a live connection.", nil, nil,
	)
	breakDownsDesc = prometheus.NewDesc(
		namespace+"_command_breakdowns", "Command requests currently being restarted.", nil, nil,
	)
	failureScoreDesc = prometheus.NewDesc(
		namespace+"_video_failure_score", "Decaying video failure score; each failure adds a fixed weight.", nil, nil,
	)
	intervalDesc = prometheus.NewDesc(
		namespace+"_request_interval_seconds", "Video request intervals by kind.", []string{"kind"}, nil,
	)
	challengesDesc = prometheus.NewDesc(
		namespace+"_challenges", "Challenges left in the pool.", nil, nil,
	)
	haltedDesc = prometheus.NewDesc(
		namespace+"_challenges_halted", "Whether the challenge pool ran dry.", nil, nil,
	)
	transportsDesc = prometheus.NewDesc(
		namespace+"_transports", "Open video transports.", nil, nil,
	)
	framesDesc = prometheus.NewDesc(
		namespace+"_transport_frames", "Frames received by the open transports.", nil, nil,
	)
	scrapeDurationDesc = prometheus.NewDesc(
		namespace+"_scrape_duration_seconds", "Time taken to collect session statistics.", nil, nil,
	)
)

// Collector turns session statistics into metrics at scrape time.
type Collector struct {
	src Source
}

func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- connectedDesc
	ch <- breakDownsDesc
	ch <- failureScoreDesc
	ch <- intervalDesc
	ch <- challengesDesc
	ch <- haltedDesc
	ch <- transportsDesc
	ch <- framesDesc
	ch <- scrapeDurationDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	start := time.Now()
	st := c.src.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(connectedDesc, boolValue(st.Connected))
	gauge(breakDownsDesc, float64(st.Stability.BreakDowns))
	gauge(failureScoreDesc, st.Stability.VideoFailureScore)
	gauge(intervalDesc, st.Stability.MinRequestInterval.Seconds(), "min")
	gauge(intervalDesc, st.Stability.CurrentRequestInterval.Seconds(), "current")
	gauge(intervalDesc, st.Stability.RequestIntervalOnFailure.Seconds(), "on_failure")
	gauge(challengesDesc, float64(st.Challenges))
	gauge(haltedDesc, boolValue(st.Halted))
	gauge(transportsDesc, float64(st.Transports))
	gauge(framesDesc, float64(st.Frames))
	gauge(scrapeDurationDesc, time.Since(start).Seconds())
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
