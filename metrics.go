package bullshark

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "bullshark"

// Metrics holds the Prometheus instruments for a node. Wire them to the node
// with MetricsHooks, or combine with user hooks via Hooks.Clone.
type Metrics struct {
	TransmissionsReceived prometheus.Counter
	BatchesCreated        prometheus.Counter
	BatchesReceived       prometheus.Counter

	HeadersCreated     prometheus.Counter
	HeadersReceived    prometheus.Counter
	SignaturesReceived prometheus.Counter
	SignaturesSent     prometheus.Counter
	ProposalTimeouts   prometheus.Counter

	CertificatesFormed   prometheus.Counter
	CertificatesReceived prometheus.Counter
	CertificatesInserted prometheus.Counter
	CertificatesDeferred prometheus.Counter
	Equivocations        prometheus.Counter

	FetchesStarted   prometheus.Counter
	FetchesSucceeded prometheus.Counter
	FetchesExpired   prometheus.Counter

	Commits                prometheus.Counter
	CommittedTransmissions prometheus.Counter
	GCRuns                 prometheus.Counter
	GCRemoved              prometheus.Counter

	CurrentRound   prometheus.Gauge
	CommitFrontier prometheus.Gauge
}

// NewMetrics creates and registers the node's instruments with the given
// registerer. Pass prometheus.DefaultRegisterer for the process-wide
// registry, or a fresh prometheus.NewRegistry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		TransmissionsReceived: counter("transmissions_received_total", "Transmissions accepted by workers."),
		BatchesCreated:        counter("batches_created_total", "Batches sealed by local workers."),
		BatchesReceived:       counter("batches_received_total", "Batches received from peer workers."),

		HeadersCreated:     counter("headers_created_total", "Batch headers proposed by the primary."),
		HeadersReceived:    counter("headers_received_total", "Proposals received from other validators."),
		SignaturesReceived: counter("signatures_received_total", "Signature shares collected for local proposals."),
		SignaturesSent:     counter("signatures_sent_total", "Signatures produced for remote proposals."),
		ProposalTimeouts:   counter("proposal_timeouts_total", "Proposals that timed out short of quorum stake."),

		CertificatesFormed:   counter("certificates_formed_total", "Certificates assembled from quorum stake."),
		CertificatesReceived: counter("certificates_received_total", "Certificates received from other validators."),
		CertificatesInserted: counter("certificates_inserted_total", "Certificates accepted into the DAG."),
		CertificatesDeferred: counter("certificates_deferred_total", "Certificates parked on missing previous links."),
		Equivocations:        counter("equivocations_total", "Equivocating certificate pairs detected."),

		FetchesStarted:   counter("fetches_started_total", "Missing-data fetches started."),
		FetchesSucceeded: counter("fetches_succeeded_total", "Missing-data fetches that resolved."),
		FetchesExpired:   counter("fetches_expired_total", "Missing-data fetches that expired."),

		Commits:                counter("commits_total", "Sub-DAGs ordered under an anchor."),
		CommittedTransmissions: counter("committed_transmissions_total", "Deduplicated transmissions in emissions."),
		GCRuns:                 counter("gc_runs_total", "Garbage collection cycles."),
		GCRemoved:              counter("gc_removed_total", "Certificates removed by garbage collection."),

		CurrentRound:   gauge("current_round", "Highest DAG round observed."),
		CommitFrontier: gauge("commit_frontier", "Highest committed anchor round."),
	}
}

// MetricsHooks returns hooks that feed the instruments. Combine with other
// hooks by cloning and assigning over the callbacks you need.
func MetricsHooks[H Hash](m *Metrics) *Hooks[H] {
	return &Hooks[H]{
		OnTransmissionReceived: func(TransmissionReceivedEvent[H]) {
			m.TransmissionsReceived.Inc()
		},
		OnBatchCreated: func(BatchCreatedEvent[H]) {
			m.BatchesCreated.Inc()
		},
		OnBatchReceived: func(BatchReceivedEvent[H]) {
			m.BatchesReceived.Inc()
		},
		OnHeaderCreated: func(HeaderCreatedEvent[H]) {
			m.HeadersCreated.Inc()
		},
		OnHeaderReceived: func(HeaderReceivedEvent[H]) {
			m.HeadersReceived.Inc()
		},
		OnSignatureReceived: func(SignatureReceivedEvent[H]) {
			m.SignaturesReceived.Inc()
		},
		OnSignatureSent: func(SignatureSentEvent[H]) {
			m.SignaturesSent.Inc()
		},
		OnProposalTimeout: func(ProposalTimeoutEvent[H]) {
			m.ProposalTimeouts.Inc()
		},
		OnCertificateFormed: func(CertificateFormedEvent[H]) {
			m.CertificatesFormed.Inc()
		},
		OnCertificateReceived: func(CertificateReceivedEvent[H]) {
			m.CertificatesReceived.Inc()
		},
		OnCertificateInserted: func(CertificateInsertedEvent[H]) {
			m.CertificatesInserted.Inc()
		},
		OnCertificateDeferred: func(CertificateDeferredEvent[H]) {
			m.CertificatesDeferred.Inc()
		},
		OnEquivocationDetected: func(EquivocationDetectedEvent[H]) {
			m.Equivocations.Inc()
		},
		OnRoundAdvanced: func(e RoundAdvancedEvent) {
			m.CurrentRound.Set(float64(e.NewRound))
		},
		OnFetchStarted: func(FetchStartedEvent[H]) {
			m.FetchesStarted.Inc()
		},
		OnFetchCompleted: func(e FetchCompletedEvent[H]) {
			if e.Success {
				m.FetchesSucceeded.Inc()
			} else {
				m.FetchesExpired.Inc()
			}
		},
		OnCommit: func(e CommitEvent[H]) {
			m.Commits.Inc()
			m.CommittedTransmissions.Add(float64(e.Transmission))
			m.CommitFrontier.Set(float64(e.Frontier))
		},
		OnGarbageCollected: func(e GarbageCollectedEvent) {
			m.GCRuns.Inc()
			m.GCRemoved.Add(float64(e.Removed))
		},
	}
}
