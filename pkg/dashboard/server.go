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

// Package dashboard is the read-only HTTP surface over pipeline metrics and
// billing views. It owns no state; everything is a read-through.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/claimpipe/claimpipe/pkg/billing"
	"github.com/claimpipe/claimpipe/pkg/metrics"
	"github.com/claimpipe/claimpipe/pkg/queue"
)

// Server serves /healthz, /metrics and the /api read views.
type Server struct {
	manager *queue.Manager
	billing *billing.Aggregator
	clock   clock.PassiveClock
	log     *zap.SugaredLogger
	started time.Time

	http *http.Server
}

func NewServer(manager *queue.Manager, billing *billing.Aggregator, clk clock.PassiveClock, log *zap.SugaredLogger) *Server {
	return &Server{
		manager: manager,
		billing: billing,
		clock:   clk,
		log:     log.Named("dashboard"),
		started: clk.Now(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/ar-aging", s.handleARAging)
	r.Get("/api/patient-cost-share", s.handlePatientCostShare)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.log.Infow("dashboard listening", "addr", addr)
	select {
	case err := <-errCh:
		return fmt.Errorf("serving dashboard, %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Stats is the /api/stats payload.
type Stats struct {
	UptimeSeconds float64                `json:"uptime_seconds"`
	Queues        map[string]queue.Depth `json:"queues"`
	Counters      map[string]float64     `json:"counters"`
	Payers        map[string]PayerStats  `json:"payers"`
	Rates         map[string]float64     `json:"rates"`
}

type PayerStats struct {
	ClaimsProcessed float64 `json:"claims_processed"`
	Errors          float64 `json:"errors"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	depths, err := s.manager.Depths(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	families, err := metrics.Registry.Gather()
	if err != nil {
		s.fail(w, err)
		return
	}
	uptime := s.clock.Since(s.started).Seconds()
	counters := map[string]float64{
		"claims_ingested_total":       counterValue(families, "claimpipe_claims_ingested_total"),
		"claims_processed_total":      counterValue(families, "claimpipe_claims_processed_total"),
		"remittances_generated_total": counterValue(families, "claimpipe_remittances_generated_total"),
		"errors_total":                counterSum(families, "claimpipe_errors_total"),
	}
	processedByPayer := counterByLabel(families, "claimpipe_payer_claims_processed_total", metrics.PayerLabel)
	errorsByPayer := counterByLabel(families, "claimpipe_payer_errors_total", metrics.PayerLabel)
	payerStats := map[string]PayerStats{}
	for payer, processed := range processedByPayer {
		payerStats[payer] = PayerStats{ClaimsProcessed: processed, Errors: errorsByPayer[payer]}
	}

	stats := Stats{
		UptimeSeconds: uptime,
		Queues:        depths,
		Counters:      counters,
		Payers:        payerStats,
		Rates: map[string]float64{
			"claims_per_sec":      rateOf(counters["claims_ingested_total"], uptime),
			"remittances_per_sec": rateOf(counters["remittances_generated_total"], uptime),
		},
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleARAging(w http.ResponseWriter, r *http.Request) {
	aging, err := s.billing.ARAging(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, aging)
}

func (s *Server) handlePatientCostShare(w http.ResponseWriter, r *http.Request) {
	shares, err := s.billing.PatientCostShare(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, shares)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("encoding response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Errorw("request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func rateOf(count, uptimeSeconds float64) float64 {
	if uptimeSeconds <= 0 {
		return 0
	}
	return count / uptimeSeconds
}

func counterValue(families []*dto.MetricFamily, name string) float64 {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func counterSum(families []*dto.MetricFamily, name string) float64 {
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func counterByLabel(families []*dto.MetricFamily, name, label string) map[string]float64 {
	values := map[string]float64{}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if pair.GetName() == label {
					values[pair.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	return values
}
