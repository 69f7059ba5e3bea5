package transport

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricEncryptedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payload_envelope",
			Subsystem: "transport",
			Name:      "encrypted_requests_total",
			Help:      "Requests sent with an encrypted payload, by key exchange mode (body or header).",
		}, []string{"mode"})

	metricDecryptedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payload_envelope",
			Subsystem: "transport",
			Name:      "decrypted_responses_total",
			Help:      "Encrypted responses which were successfully decrypted.",
		})

	metricFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payload_envelope",
			Subsystem: "transport",
			Name:      "failures_total",
			Help:      "Requests or responses which could not be encrypted or decrypted, by stage.",
		}, []string{"stage"})

	metricCorrelationMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payload_envelope",
			Subsystem: "transport",
			Name:      "correlation_misses_total",
			Help:      "Encrypted responses passed through raw because no key material was registered for their request.",
		})
)

// RegisterMetrics registers the transport counters with reg. Registering the
// same counters twice with one registerer is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		metricEncryptedRequests,
		metricDecryptedResponses,
		metricFailures,
		metricCorrelationMisses,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}

			return err
		}
	}

	return nil
}
