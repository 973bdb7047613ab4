package bus

import "time"

// handlerBudget is the default time an in-process subscriber handler is
// expected to complete within; handlers that run longer log a warning
// instead of blocking publication (handlers always run detached in their
// own goroutine).
const handlerBudget = 50 * time.Millisecond

// Topic constants for the kernel's event surface (spec.md §6 "Event topics").
const (
	ProcessSpawned     = "process.spawned"
	ProcessStateChange = "process.stateChange"
	ProcessExit        = "process.exit"
	ProcessReaped      = "process.reaped"

	AgentThought     = "agent.thought"
	AgentAction      = "agent.action"
	AgentObservation = "agent.observation"
	AgentPaused      = "agent.paused"
	AgentResumed     = "agent.resumed"
	AgentLog         = "agent.log"

	KernelMetrics = "kernel.metrics"

	FSChanged = "fs.changed"

	PlanCreated = "plan.created"
	PlanUpdated = "plan.updated"

	WebhookDelivered = "webhook.delivered"
	WebhookFailed    = "webhook.failed"
	WebhookDLQ       = "webhook.dlq"
	WebhookDeleted   = "webhook.deleted"

	CronCreated = "cron.created"

	UserWildcard   = "user.*"
	PolicyWildcard = "policy.*"

	SubscriberLagged = LaggedEventType

	BusHandlerError = "bus.handlerError"
)

// CriticalTopics lists the topics that must never be dropped from a bounded
// subscriber queue, per spec.md §4.1.
var CriticalTopics = map[string]bool{
	ProcessExit: true,
}

// IsCritical reports whether events on the given topic are critical and
// must never be dropped from a bounded subscriber queue.
func IsCritical(topic string) bool {
	return CriticalTopics[topic]
}
