/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Common namespace for application metrics.
	Namespace = "claimpipe"

	// Common set of metric label names.
	QueueLabel  = "queue"
	PayerLabel  = "payer"
	ResultLabel = "result"
	StageLabel  = "stage"
)

// Registry is the process-wide metric registry. Every package-level collector
// registers against it in init() and the dashboard serves it verbatim.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(ClaimsIngested)
	Registry.MustRegister(ClaimsProcessed)
	Registry.MustRegister(RemittancesGenerated)
	Registry.MustRegister(Errors)
	Registry.MustRegister(PayerClaimsProcessed)
	Registry.MustRegister(PayerErrors)
}

var ClaimsIngested = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "claims_ingested_total",
		Help:      "Number of claims read from the input source and enqueued.",
	},
)

var ClaimsProcessed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "claims_processed_total",
		Help:      "Number of claims whose remittance was matched and recorded.",
	},
)

var RemittancesGenerated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "remittances_generated_total",
		Help:      "Number of remittance advices produced by payer adjudication.",
	},
)

var Errors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "errors_total",
		Help:      "Number of errors observed. Labeled by pipeline stage.",
	},
	[]string{StageLabel},
)

var PayerClaimsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "payer_claims_processed_total",
		Help:      "Number of claims adjudicated. Labeled by payer.",
	},
	[]string{PayerLabel},
)

var PayerErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "payer_errors_total",
		Help:      "Number of adjudication failures. Labeled by payer.",
	},
	[]string{PayerLabel},
)

// DurationBuckets returns a []float64 of default threshold values for duration histograms.
// Each returned slice is new and may be modified without impacting other bucket definitions.
func DurationBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35, 0.4, 0.45, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0,
		1.25, 1.5, 1.75, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5, 6, 7, 8, 9, 10, 15, 20, 25, 30, 40, 50, 60}
}
