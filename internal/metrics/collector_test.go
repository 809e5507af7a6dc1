package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vmslink/internal/session"
	"vmslink/internal/stability"
)

type staticSource session.Stats

func (s staticSource) Stats() session.Stats { return session.Stats(s) }

func gather(t *testing.T, src Source) map[string]map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(src))
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]map[string]float64)
	for _, mf := range families {
		byLabel := make(map[string]float64)
		for _, m := range mf.GetMetric() {
			key := ""
			for _, l := range m.GetLabel() {
				key = l.GetValue()
			}
			byLabel[key] = m.GetGauge().GetValue()
		}
		out[mf.GetName()] = byLabel
	}
	return out
}

func TestCollectorReportsSessionStats(t *testing.T) {
	src := staticSource{
		Stability: stability.Snapshot{
			BreakDowns:               2,
			VideoFailureScore:        30,
			MinRequestInterval:       50 * time.Millisecond,
			CurrentRequestInterval:   95 * time.Millisecond,
			RequestIntervalOnFailure: 1425 * time.Millisecond / 10,
		},
		Challenges: 42,
		Halted:     true,
		Transports: 3,
		Frames:     1000,
		Connected:  true,
	}
	got := gather(t, src)

	tests := []struct {
		name, label string
		want        float64
	}{
		{"vmslink_connected", "", 1},
		{"vmslink_command_breakdowns", "", 2},
		{"vmslink_video_failure_score", "", 30},
		{"vmslink_request_interval_seconds", "min", 0.05},
		{"vmslink_request_interval_seconds", "current", 0.095},
		{"vmslink_request_interval_seconds", "on_failure", 0.1425},
		{"vmslink_challenges", "", 42},
		{"vmslink_challenges_halted", "", 1},
		{"vmslink_transports", "", 3},
		{"vmslink_transport_frames", "", 1000},
	}
	for _, tt := range tests {
		v, ok := got[tt.name][tt.label]
		if !ok {
			t.Errorf("%s{%s} missing", tt.name, tt.label)
			continue
		}
		if diff := v - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s{%s} = %v, want %v", tt.name, tt.label, v, tt.want)
		}
	}
	if _, ok := got["vmslink_scrape_duration_seconds"]; !ok {
		t.Error("scrape duration missing")
	}
}

func TestCollectorOnDisconnectedSession(t *testing.T) {
	s := session.New(session.DefaultOptions(), nil)
	got := gather(t, s)
	if got["vmslink_connected"][""] != 0 || got["vmslink_transports"][""] != 0 {
		t.Fatalf("unexpected values %v", got)
	}
	if got["vmslink_request_interval_seconds"]["min"] != 0.05 {
		t.Fatalf("min interval = %v", got["vmslink_request_interval_seconds"]["min"])
	}
}

func TestFailureScoreIsUnbounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(staticSource{Stability: stability.Snapshot{VideoFailureScore: 250}}))
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "vmslink_video_failure_score" {
			continue
		}
		if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 250 {
			t.Fatalf("score = %v", v)
		}
		if strings.Contains(mf.GetHelp(), "0-100") {
			t.Fatalf("help claims a range: %q", mf.GetHelp())
		}
		return
	}
	t.Fatal("failure score missing")
}
