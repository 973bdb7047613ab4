package websocket

// Action constants for WebSocket messages, one per command in the kernel's
// external command surface.
const (
	ActionHealthCheck = "health.check"

	ActionAuthRegister     = "auth.register"
	ActionAuthLogin        = "auth.login"
	ActionAuthLogout       = "auth.logout"
	ActionAuthVerify       = "auth.verify"
	ActionAuthMFAEnroll    = "auth.mfa.enroll"
	ActionAuthMFAVerify    = "auth.mfa.verify"

	ActionProcessSpawn   = "process.spawn"
	ActionProcessKill    = "process.kill"
	ActionProcessPause   = "process.pause"
	ActionProcessResume  = "process.resume"
	ActionProcessGet     = "process.get"
	ActionProcessList    = "process.list"
	ActionProcessHistory = "process.history"

	ActionAgentMessage = "agent.message"
	ActionAgentCancel  = "agent.cancel"

	ActionFSRead = "fs.read"
	ActionFSWrite = "fs.write"
	ActionFSList  = "fs.ls"

	ActionMemoryPut    = "mem.put"
	ActionMemoryGet    = "mem.get"
	ActionMemorySearch = "mem.search"
	ActionMemoryDelete = "mem.delete"

	ActionPlanUpdate = "plan.update"
	ActionPlanGet    = "plan.get"

	ActionCronCreate = "cron.create"
	ActionCronList   = "cron.list"
	ActionCronToggle = "cron.toggle"
	ActionCronDelete = "cron.delete"

	ActionTriggerCreate = "trigger.create"
	ActionTriggerList   = "trigger.list"
	ActionTriggerToggle = "trigger.toggle"
	ActionTriggerDelete = "trigger.delete"

	ActionWebhookCreate = "webhook.create"
	ActionWebhookList   = "webhook.list"
	ActionWebhookDelete = "webhook.delete"

	ActionDLQList  = "dlq.list"
	ActionDLQRetry = "dlq.retry"

	ActionClusterInfo = "cluster.info"

	ActionUserGet       = "user.get"
	ActionOrgCreate     = "org.create"
	ActionTeamCreate    = "team.create"
	ActionPolicySet     = "policy.set"
	ActionPolicyList    = "policy.list"
	ActionAuditQuery    = "audit.query"

	ActionSubscribe   = "sub"
	ActionUnsubscribe = "unsub"

	ActionBrowserForward = "browser.forward"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
