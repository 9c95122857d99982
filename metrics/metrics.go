// Copyright (C) 2020-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics wraps prometheus metric registration for the DAG
// block manager, PBFT state machine, vote manager, period finalizer,
// and sync queue, following the Registerer/Registry/MultiGatherer
// shape the teacher's api/metrics package exposes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registerer is an interface for registering prometheus metrics.
type Registerer interface {
	prometheus.Registerer
}

// Registry is an interface for a prometheus registry.
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// NewRegistry creates a new prometheus registry.
func NewRegistry() Registry {
	return prometheus.NewRegistry()
}

// Metrics is the interface for consensus-engine metrics.
type Metrics interface {
	DagBlocksReceived() prometheus.Counter
	DagBlocksRejected() prometheus.Counter
	DagProposalAttempts() prometheus.Counter
	DagLevelSize() prometheus.Histogram

	PbftRoundsAdvanced() prometheus.Counter
	PbftCurrentRound() prometheus.Gauge
	PbftLivenessRebroadcasts() prometheus.Counter

	VotesReceived() prometheus.Counter
	VotesRejectedDoubleVote() prometheus.Counter
	CertifyThresholdReached() prometheus.Counter

	PeriodsFinalized() prometheus.Counter
	PeriodFinalizeDuration() prometheus.Histogram
	OrderHashMismatches() prometheus.Counter

	SyncQueueDepth() prometheus.Gauge
}

type metrics struct {
	dagBlocksReceived   prometheus.Counter
	dagBlocksRejected   prometheus.Counter
	dagProposalAttempts prometheus.Counter
	dagLevelSize        prometheus.Histogram

	pbftRoundsAdvanced       prometheus.Counter
	pbftCurrentRound         prometheus.Gauge
	pbftLivenessRebroadcasts prometheus.Counter

	votesReceived            prometheus.Counter
	votesRejectedDoubleVote  prometheus.Counter
	certifyThresholdReached  prometheus.Counter

	periodsFinalized        prometheus.Counter
	periodFinalizeDuration  prometheus.Histogram
	orderHashMismatches     prometheus.Counter

	syncQueueDepth prometheus.Gauge
}

// New creates and registers the consensus-engine metric set under namespace.
func New(namespace string, registerer prometheus.Registerer) (Metrics, error) {
	m := &metrics{
		dagBlocksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dag", Name: "blocks_received_total",
			Help: "Number of DAG blocks received and admitted to the seen set.",
		}),
		dagBlocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dag", Name: "blocks_rejected_total",
			Help: "Number of DAG blocks rejected during verification.",
		}),
		dagProposalAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dag", Name: "proposal_attempts_total",
			Help: "Number of block-proposal sortition attempts.",
		}),
		dagLevelSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dag", Name: "level_size",
			Help:    "Number of blocks observed per DAG level.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		pbftRoundsAdvanced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pbft", Name: "rounds_advanced_total",
			Help: "Number of PBFT round advances.",
		}),
		pbftCurrentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pbft", Name: "current_round",
			Help: "Current PBFT round for the active period.",
		}),
		pbftLivenessRebroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pbft", Name: "liveness_rebroadcasts_total",
			Help: "Number of liveness-guardrail rebroadcasts triggered.",
		}),
		votesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "vote", Name: "received_total",
			Help: "Number of votes received by the vote manager.",
		}),
		votesRejectedDoubleVote: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "vote", Name: "double_votes_total",
			Help: "Number of double votes detected from the same voter/round/step.",
		}),
		certifyThresholdReached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "vote", Name: "threshold_reached_total",
			Help: "Number of times a 2t+1 voting threshold was reached.",
		}),
		periodsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "finalizer", Name: "periods_finalized_total",
			Help: "Number of PBFT periods finalized.",
		}),
		periodFinalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "finalizer", Name: "finalize_duration_seconds",
			Help:    "Wall-clock duration of period finalization.",
			Buckets: prometheus.DefBuckets,
		}),
		orderHashMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "finalizer", Name: "order_hash_mismatches_total",
			Help: "Number of finalize attempts aborted by an order_hash mismatch.",
		}),
		syncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "syncqueue", Name: "depth",
			Help: "Number of period records pending in the sync queue.",
		}),
	}

	collectors := []prometheus.Collector{
		m.dagBlocksReceived, m.dagBlocksRejected, m.dagProposalAttempts, m.dagLevelSize,
		m.pbftRoundsAdvanced, m.pbftCurrentRound, m.pbftLivenessRebroadcasts,
		m.votesReceived, m.votesRejectedDoubleVote, m.certifyThresholdReached,
		m.periodsFinalized, m.periodFinalizeDuration, m.orderHashMismatches,
		m.syncQueueDepth,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) DagBlocksReceived() prometheus.Counter      { return m.dagBlocksReceived }
func (m *metrics) DagBlocksRejected() prometheus.Counter      { return m.dagBlocksRejected }
func (m *metrics) DagProposalAttempts() prometheus.Counter    { return m.dagProposalAttempts }
func (m *metrics) DagLevelSize() prometheus.Histogram         { return m.dagLevelSize }
func (m *metrics) PbftRoundsAdvanced() prometheus.Counter     { return m.pbftRoundsAdvanced }
func (m *metrics) PbftCurrentRound() prometheus.Gauge         { return m.pbftCurrentRound }
func (m *metrics) PbftLivenessRebroadcasts() prometheus.Counter {
	return m.pbftLivenessRebroadcasts
}
func (m *metrics) VotesReceived() prometheus.Counter           { return m.votesReceived }
func (m *metrics) VotesRejectedDoubleVote() prometheus.Counter { return m.votesRejectedDoubleVote }
func (m *metrics) CertifyThresholdReached() prometheus.Counter { return m.certifyThresholdReached }
func (m *metrics) PeriodsFinalized() prometheus.Counter        { return m.periodsFinalized }
func (m *metrics) PeriodFinalizeDuration() prometheus.Histogram {
	return m.periodFinalizeDuration
}
func (m *metrics) OrderHashMismatches() prometheus.Counter { return m.orderHashMismatches }
func (m *metrics) SyncQueueDepth() prometheus.Gauge        { return m.syncQueueDepth }
