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

package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claimpipe/claimpipe/pkg/metrics"
)

func init() {
	metrics.Registry.MustRegister(jobsEnqueued)
	metrics.Registry.MustRegister(jobsCompleted)
	metrics.Registry.MustRegister(jobsFailed)
	metrics.Registry.MustRegister(jobsRetried)
	metrics.Registry.MustRegister(jobsStalled)
	metrics.Registry.MustRegister(eventsDropped)
	metrics.Registry.MustRegister(handlerDuration)
}

var jobsEnqueued = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "queue",
		Name:      "jobs_enqueued",
		Help:      "Number of jobs accepted for dispatch. Labeled by queue.",
	},
	[]string{metrics.QueueLabel},
)
var jobsCompleted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "queue",
		Name:      "jobs_completed",
		Help:      "Number of jobs whose handler returned success. Labeled by queue.",
	},
	[]string{metrics.QueueLabel},
)
var jobsFailed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "queue",
		Name:      "jobs_failed",
		Help:      "Number of jobs that failed terminally. Labeled by queue.",
	},
	[]string{metrics.QueueLabel},
)
var jobsRetried = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "queue",
		Name:      "jobs_retried",
		Help:      "Number of retry attempts scheduled. Labeled by queue.",
	},
	[]string{metrics.QueueLabel},
)
var jobsStalled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "queue",
		Name:      "jobs_stalled",
		Help:      "Number of jobs reclaimed from an expired lease. Labeled by queue.",
	},
	[]string{metrics.QueueLabel},
)
var eventsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "queue",
		Name:      "events_dropped",
		Help:      "Number of queue events dropped on a full event channel. Labeled by queue.",
	},
	[]string{metrics.QueueLabel},
)
var handlerDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "queue",
		Name:      "handler_duration_seconds",
		Help:      "Duration of handler invocations in seconds. Labeled by queue.",
		Buckets:   metrics.DurationBuckets(),
	},
	[]string{metrics.QueueLabel},
)
