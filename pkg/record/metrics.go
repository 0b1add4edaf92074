package record

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/montanaflynn/stats"
)

type parserTable struct {
	patterns []string
	metrics  map[string]MetricFunc
}

func newParser(kind Kind, t parserTable) *Parser {
	p := &Parser{kind: kind, metrics: t.metrics}
	for _, pat := range t.patterns {
		p.patterns = append(p.patterns, regexp.MustCompile(pat))
	}
	return p
}

var parserTables = map[Kind]parserTable{
	// 64 bytes from 10.0.0.2: icmp_seq=1 ttl=64 time=0.523 ms
	// 3 packets transmitted, 3 received, 0% packet loss, time 2002ms
	Ping: {
		patterns: []string{
			`icmp_[rs]eq=(?P<seq>\d+) ttl=(?P<ttl>\d+) time=(?P<rtt>[\d.]+) ms`,
			`(?P<pkt_tx>\d+) packets transmitted, (?P<pkt_rx>\d+) (?:packets )?received`,
		},
		metrics: map[string]MetricFunc{
			"packet_loss": packetLoss,
			"rtt_avg":     summarize("rtt", stats.Mean),
			"rtt_min":     summarize("rtt", stats.Min),
			"rtt_max":     summarize("rtt", stats.Max),
			"rtt_median":  summarize("rtt", stats.Median),
			"rtt_stddev":  summarize("rtt", stats.StandardDeviation),
		},
	},

	// mrouter2 : [0], 84 bytes, 0.52 ms (0.52 avg, 0% loss)
	// mrouter2 : xmt/rcv/%loss = 30/22/26%, min/avg/max = 0.40/0.57/1.20
	Fping: {
		patterns: []string{
			`\[(?P<seq>\d+)\], \d+ bytes, (?P<rtt>[\d.]+) ms`,
			`xmt/rcv/%loss = (?P<pkt_tx>\d+)/(?P<pkt_rx>\d+)/(?P<loss_pct>\d+)%`,
		},
		metrics: map[string]MetricFunc{
			"packet_loss": packetLoss,
			"rtt_avg":     summarize("rtt", stats.Mean),
			"rtt_min":     summarize("rtt", stats.Min),
			"rtt_max":     summarize("rtt", stats.Max),
			"rtt_median":  summarize("rtt", stats.Median),
			"rtt_p95":     summarize("rtt", percentile(95)),
		},
	},

	// # ID  0 S: 10.0.0.1, ..., through = 94.120000/0.000000 [Mbit/s] (out/in), RTT = 0.52/0.61/1.93 [ms] (min/avg/max), ...
	Flowgrind: {
		patterns: []string{
			`(?m)^# ID\s+\d+ S:.*?through = (?P<through_src>[\d.]+)/[\d.]+ \[Mbit/s\]`,
			`(?m)^# ID\s+\d+ D:.*?through = [\d.]+/(?P<through_dst>[\d.]+) \[Mbit/s\]`,
			`(?m)^# ID\s+\d+ S:.*?RTT = [\d.]+/(?P<rtt_avg>[\d.]+)/[\d.]+ \[ms\]`,
		},
		metrics: map[string]MetricFunc{
			"throughput":     summarize("through_src", stats.Sum),
			"throughput_dst": summarize("through_dst", stats.Sum),
			"rtt_avg":        summarize("rtt_avg", stats.Mean),
		},
	},

	//  1178.3125 MB /  10.00 sec =  988.4283 Mbps 14 %TX 32 %RX 0 retrans 0.27 msRTT
	Nuttcp: {
		patterns: []string{
			`(?m)^\s*(?P<megabytes>[\d.]+) MB /\s+(?P<seconds>[\d.]+) sec =\s+(?P<mbps>[\d.]+) Mbps` +
				`(?:\s+\d+ %TX\s+\d+ %RX)?(?:\s+(?P<retrans>\d+) retrans)?(?:\s+(?P<rtt>[\d.]+) msRTT)?`,
		},
		metrics: map[string]MetricFunc{
			"throughput":        lastValue("mbps"),
			"throughput_median": summarize("mbps", stats.Median),
			"retransmits":       lastValue("retrans"),
			"rtt":               lastValue("rtt"),
		},
	},

	//  (0)      0.000    1.000   93.457   0.523   0.043
	// #(**)      0.000   10.000   93.812   0.541   0.062
	Thrulay: {
		patterns: []string{
			`(?m)^\s*\(\d+\)\s+[\d.]+\s+[\d.]+\s+(?P<mbps>[\d.]+)\s+(?P<rtt>[\d.]+)\s+(?P<jitter>[\d.]+)`,
			`(?m)^#\(\*\*\)\s+[\d.]+\s+[\d.]+\s+(?P<total_mbps>[\d.]+)\s+(?P<total_rtt>[\d.]+)\s+(?P<total_jitter>[\d.]+)`,
		},
		metrics: map[string]MetricFunc{
			"throughput":      lastValue("total_mbps"),
			"throughput_mean": summarize("mbps", stats.Mean),
			"rtt":             lastValue("total_rtt"),
			"jitter":          lastValue("total_jitter"),
		},
	},
}

// floats converts the matches of group to numbers.
func floats(c Captures, group string) (stats.Float64Data, error) {
	values := c[group]
	if len(values) == 0 {
		return nil, fmt.Errorf("%w %q", ErrMissingCapture, group)
	}
	data := make(stats.Float64Data, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("bad %s value %q: %w", group, v, err)
		}
		data[i] = f
	}
	return data, nil
}

func summarize(group string, compute func(stats.Float64Data) (float64, error)) MetricFunc {
	return func(c Captures) (float64, error) {
		data, err := floats(c, group)
		if err != nil {
			return 0, err
		}
		return compute(data)
	}
}

func percentile(p float64) func(stats.Float64Data) (float64, error) {
	return func(data stats.Float64Data) (float64, error) {
		return stats.Percentile(data, p)
	}
}

// lastValue returns the last match of group, the summary line of tools that
// also print interval lines.
func lastValue(group string) MetricFunc {
	return func(c Captures) (float64, error) {
		data, err := floats(c, group)
		if err != nil {
			return 0, err
		}
		return data[len(data)-1], nil
	}
}

// packetLoss is the fraction of packets lost: 1 - received/transmitted.
func packetLoss(c Captures) (float64, error) {
	tx, err := lastValue("pkt_tx")(c)
	if err != nil {
		return 0, err
	}
	rx, err := lastValue("pkt_rx")(c)
	if err != nil {
		return 0, err
	}
	if tx == 0 {
		return 0, errors.New("no packets transmitted")
	}
	return 1 - rx/tx, nil
}
