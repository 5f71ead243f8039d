// Package metrics holds the Prometheus collectors of the service.
// They register on the default registry and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TaskTransitions counts successful task transitions by action.
var TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "s2a",
	Name:      "task_transitions_total",
	Help:      "Successful task transitions (start, complete, approve, reject).",
}, []string{"action"})

// RewardGrants counts grants written by the reward engine by trigger type.
var RewardGrants = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "s2a",
	Name:      "reward_grants_total",
	Help:      "Reward grants written, by rule trigger type.",
}, []string{"trigger"})

var GrantedMinutes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "s2a",
	Name:      "granted_minutes_total",
	Help:      "Activity minutes credited by reward grants.",
})

var ConsumedMinutes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "s2a",
	Name:      "consumed_minutes_total",
	Help:      "Activity minutes debited by consumption.",
})

// RuleEvaluationFailures counts rules skipped because they could not be
// evaluated (malformed condition, storage error inside the rule).
var RuleEvaluationFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "s2a",
	Name:      "rule_evaluation_failures_total",
	Help:      "Reward rules skipped during evaluation because of an error.",
})

var ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "s2a",
	Name:      "conflict_retries_total",
	Help:      "Internal retries after a concurrency conflict.",
})

// BotPanics counts Telegram updates whose handler panicked.
var BotPanics = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "s2a",
	Name:      "bot_panics_total",
	Help:      "Telegram updates whose handler panicked and was recovered.",
})

// HTTPRequests counts API requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "s2a",
	Name:      "http_requests_total",
	Help:      "HTTP requests by route pattern and status code.",
}, []string{"route", "code"})

// OnConflictRetry matches common.OnConflictRetry.
func OnConflictRetry(int, error) {
	ConflictRetries.Inc()
}
