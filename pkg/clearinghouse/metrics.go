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

package clearinghouse

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claimpipe/claimpipe/pkg/metrics"
)

func init() {
	metrics.Registry.MustRegister(claimsRouted)
	metrics.Registry.MustRegister(fallbackResolutions)
	metrics.Registry.MustRegister(unknownPayers)
}

var claimsRouted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "clearinghouse",
		Name:      "claims_routed",
		Help:      "Number of claims dispatched to a payer queue. Labeled by payer.",
	},
	[]string{metrics.PayerLabel},
)
var fallbackResolutions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "clearinghouse",
		Name:      "fallback_resolutions",
		Help:      "Number of claims routed to the fallback payer.",
	},
)
var unknownPayers = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "clearinghouse",
		Name:      "unknown_payers",
		Help:      "Number of claims rejected for an unresolvable payer id.",
	},
)
