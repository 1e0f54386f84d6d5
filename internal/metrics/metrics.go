// Package metrics exposes Prometheus instruments for turns, tools and LLM calls.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups every instrument. A nil *Collector is valid and records nothing.
type Collector struct {
	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	intentsTotal     *prometheus.CounterVec
	toolDispatches   *prometheus.CounterVec
	barrierKeys      *prometheus.CounterVec
	barrierWait      prometheus.Histogram
	llmRequests      *prometheus.CounterVec
	llmDuration      prometheus.Histogram
	workerTasks      *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	extractionsTotal *prometheus.CounterVec
}

// New registers the instruments with reg under namespace.
func New(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by resulting status",
		}, []string{"status"}),
		turnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of a conversation turn",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}, []string{"status"}),
		intentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_resolutions_total",
			Help:      "Intent resolutions by the rule that produced them",
		}, []string{"source"}),
		toolDispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatches_total",
			Help:      "Tool work items published, by tool and outcome",
		}, []string{"tool", "outcome"}),
		barrierKeys: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barrier_keys_total",
			Help:      "Task keys awaited by the completion barrier, by outcome",
		}, []string{"outcome"}),
		barrierWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "barrier_wait_seconds",
			Help:      "Time spent in the completion barrier",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM completions by outcome",
		}, []string{"outcome"}),
		llmDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM completion latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		workerTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Tool work items handled by workers, by tool and outcome",
		}, []string{"tool", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		extractionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_extractions_total",
			Help:      "Context extraction runs by outcome",
		}, []string{"outcome"}),
	}
}

// RecordTurn counts a finished turn.
func (c *Collector) RecordTurn(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(status).Inc()
	c.turnDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordIntent counts an intent resolution by source (first_turn, silence, button, regex, llm, fallback).
func (c *Collector) RecordIntent(source string) {
	if c == nil {
		return
	}
	c.intentsTotal.WithLabelValues(source).Inc()
}

// RecordDispatch counts one published work item.
func (c *Collector) RecordDispatch(tool string, err error) {
	if c == nil {
		return
	}
	c.toolDispatches.WithLabelValues(tool, outcome(err)).Inc()
}

// RecordBarrier counts resolved and missing keys of one barrier wait.
func (c *Collector) RecordBarrier(resolved, missing int, d time.Duration) {
	if c == nil {
		return
	}
	c.barrierKeys.WithLabelValues("resolved").Add(float64(resolved))
	c.barrierKeys.WithLabelValues("timeout").Add(float64(missing))
	c.barrierWait.Observe(d.Seconds())
}

// RecordLLM counts one completion.
func (c *Collector) RecordLLM(err error, d time.Duration) {
	if c == nil {
		return
	}
	c.llmRequests.WithLabelValues(outcome(err)).Inc()
	c.llmDuration.Observe(d.Seconds())
}

// RecordWorkerTask counts one work item handled by a tool worker.
func (c *Collector) RecordWorkerTask(tool, result string) {
	if c == nil {
		return
	}
	c.workerTasks.WithLabelValues(tool, result).Inc()
}

// RecordHTTP counts one served request.
func (c *Collector) RecordHTTP(route string, code int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordExtraction counts one context extraction run.
func (c *Collector) RecordExtraction(err error) {
	if c == nil {
		return
	}
	c.extractionsTotal.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
