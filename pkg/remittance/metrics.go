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

package remittance

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claimpipe/claimpipe/pkg/metrics"
)

func init() {
	metrics.Registry.MustRegister(matchedRemittances)
	metrics.Registry.MustRegister(orphanRemittances)
}

var matchedRemittances = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "matcher",
		Name:      "matched_remittances",
		Help:      "Number of remittances paired with an in-flight correlation.",
	},
)
var orphanRemittances = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "matcher",
		Name:      "orphan_remittances",
		Help:      "Number of remittances acknowledged without a correlation record.",
	},
)
