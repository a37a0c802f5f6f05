package dispatcher

import (
	"github.com/horockey/go-toolbox/prometheus_helpers"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	nodeHandleTimeHist prometheus.Histogram
	operationsCnt      *prometheus.CounterVec
	requestErrCnt      prometheus.Counter
	successNodesCnt    prometheus.Counter
	errNodesCnt        prometheus.Counter
	retriesCnt         prometheus.Counter
	noResponseCnt      prometheus.Counter
}

func newMetrics() *metrics {
	const ss = "fleet_dispatcher"

	return &metrics{
		nodeHandleTimeHist: prometheus.NewHistogram(*prometheus_helpers.NewHistOpts(
			"node_handle_time_hist",
			prometheus_helpers.HistOptsWithSubsystem(ss),
			prometheus_helpers.HistOptsWithHelp("Per-node verb handle time distribution, seconds"),
			func(target *prometheus.HistogramOpts) error {
				target.Buckets = []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60}
				return nil
			},
		)),
		operationsCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "operations_cnt",
			Subsystem: ss,
			Help:      "Count of executed operations by kind",
		}, []string{"kind"}),
		requestErrCnt: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "request_err_cnt",
			Subsystem: ss,
			Help:      "Count of operations rejected before dispatch",
		}),
		successNodesCnt: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "success_nodes_cnt",
			Subsystem: ss,
			Help:      "Count of successful node outcomes",
		}),
		errNodesCnt: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "err_nodes_cnt",
			Subsystem: ss,
			Help:      "Count of failed node outcomes",
		}),
		retriesCnt: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "retries_cnt",
			Subsystem: ss,
			Help:      "Count of forced retries after a node timeout",
		}),
		noResponseCnt: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "no_response_cnt",
			Subsystem: ss,
			Help:      "Count of node calls abandoned at the hard deadline",
		}),
	}
}

func (m *metrics) list() []prometheus.Collector {
	return []prometheus.Collector{
		m.nodeHandleTimeHist,
		m.operationsCnt,
		m.requestErrCnt,
		m.successNodesCnt,
		m.errNodesCnt,
		m.retriesCnt,
		m.noResponseCnt,
	}
}
