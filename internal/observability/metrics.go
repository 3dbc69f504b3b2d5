// Package observability exposes Prometheus metrics for the pollers and the
// send pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesEnqueued counts producer submissions by priority.
	MessagesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_messages_enqueued_total",
		Help: "Total number of messages enqueued by producers",
	}, []string{"priority"})

	// MessagesSent counts messages that passed all gates and dispatched.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_messages_sent_total",
		Help: "Total number of messages dispatched to the SMS sender",
	}, []string{"priority"})

	// PipelineReschedules counts deferrals by the gate that caused them.
	PipelineReschedules = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_pipeline_reschedules_total",
		Help: "Total number of send pipeline reschedules by gate",
	}, []string{"gate"})

	// MessagesSuperseded counts supersessions by reason.
	MessagesSuperseded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_messages_superseded_total",
		Help: "Total number of queued messages superseded",
	}, []string{"reason"})

	// EventsProcessed counts event processor outcomes.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_events_processed_total",
		Help: "Total number of events processed by outcome",
	}, []string{"event_type", "outcome"})

	// DeadLetters counts events moved to the dead-letter table.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_event_dead_letters_total",
		Help: "Total number of events moved to the dead letter queue",
	}, []string{"event_type"})

	// TasksExecuted counts task processor outcomes.
	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_tasks_executed_total",
		Help: "Total number of task executions by outcome",
	}, []string{"task_type", "outcome"})

	// SMSDeliveries counts carrier send attempts by outcome.
	SMSDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_sms_deliveries_total",
		Help: "Total number of SMS carrier deliveries by outcome",
	}, []string{"outcome"})

	// LLMCalls counts LLM invocations by purpose and outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_llm_calls_total",
		Help: "Total number of LLM calls by purpose and outcome",
	}, []string{"purpose", "outcome"})

	// PollDuration tracks how long each poller pass takes.
	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courierd_poll_duration_seconds",
		Help:    "Duration of one poller pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"poller"})
)
