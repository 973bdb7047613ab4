package statestore

import "time"

// ProcessRecord is the persisted history row for a process. ProcessTable
// owns the live in-memory ProcessInfo; this is the durable record written
// on every state change so process.history survives a reap.
type ProcessRecord struct {
	PID        int64      `db:"pid"`
	UID        string     `db:"uid"`
	Name       string     `db:"name"`
	Role       string     `db:"role"`
	Goal       string     `db:"goal"`
	State      string     `db:"state"`
	AgentPhase string     `db:"agent_phase"`
	ExitCode   *int       `db:"exit_code"`
	CreatedAt  time.Time  `db:"created_at"`
	ExitedAt   *time.Time `db:"exited_at"`
	Env        string     `db:"env"` // JSON-encoded map[string]string
	TTYID      *string    `db:"tty_id"`
	VNCWsURL   *string    `db:"vnc_ws_url"`
}

// AgentLogEntry is one append-only line of a process's reasoning
// transcript.
type AgentLogEntry struct {
	ID        int64     `db:"id"`
	PID       int64     `db:"pid"`
	Step      int       `db:"step"`
	Phase     string    `db:"phase"`
	Tool      *string   `db:"tool"`
	Content   string    `db:"content"`
	Timestamp time.Time `db:"timestamp"`
}

// FileMetadata indexes a file an agent has written under its sandboxed
// home directory.
type FileMetadata struct {
	Path       string    `db:"path"`
	OwnerUID   string    `db:"owner_uid"`
	Size       int64     `db:"size"`
	FileType   string    `db:"file_type"`
	CreatedAt  time.Time `db:"created_at"`
	ModifiedAt time.Time `db:"modified_at"`
}

// KernelMetric is one append-only telemetry sample.
type KernelMetric struct {
	Timestamp      time.Time `db:"timestamp"`
	ProcessCount   int       `db:"process_count"`
	CPUPercent     float64   `db:"cpu_percent"`
	MemoryMB       float64   `db:"memory_mb"`
	ContainerCount int       `db:"container_count"`
}

// Snapshot is a point-in-time archive of a process's sandbox home.
type Snapshot struct {
	ID          string    `db:"id"`
	PID         int64     `db:"pid"`
	Timestamp   time.Time `db:"timestamp"`
	Description string    `db:"description"`
	FilePath    string    `db:"file_path"`
	TarballPath string    `db:"tarball_path"`
	ProcessInfo string    `db:"process_info"` // JSON-encoded ProcessRecord
	SizeBytes   int64     `db:"size_bytes"`
}

// User is an account record.
type User struct {
	ID           string     `db:"id"`
	Username     string     `db:"username"`
	DisplayName  string     `db:"display_name"`
	PasswordHash string     `db:"password_hash"`
	Role         string     `db:"role"`
	CreatedAt    time.Time  `db:"created_at"`
	LastLogin    *time.Time `db:"last_login"`
	MFASecret    *string    `db:"mfa_secret"`
	MFAEnabled   bool       `db:"mfa_enabled"`
}

// Memory is one entry in an agent's layered memory store.
type Memory struct {
	ID           string     `db:"id"`
	AgentUID     string     `db:"agent_uid"`
	Layer        string     `db:"layer"`
	Content      string     `db:"content"`
	Tags         string     `db:"tags"` // JSON array
	Importance   float64    `db:"importance"`
	AccessCount  int        `db:"access_count"`
	CreatedAt    time.Time  `db:"created_at"`
	LastAccessed time.Time  `db:"last_accessed"`
	ExpiresAt    *time.Time `db:"expires_at"`
	SourcePID    *int64     `db:"source_pid"`
	Related      string     `db:"related"` // JSON array of memory ids
}

// CronJob is a time-based agent-spawn schedule.
type CronJob struct {
	ID             string     `db:"id"`
	Name           string     `db:"name"`
	CronExpression string     `db:"cron_expression"`
	AgentConfig    string     `db:"agent_config"`
	Enabled        bool       `db:"enabled"`
	OwnerUID       string     `db:"owner_uid"`
	LastRun        *time.Time `db:"last_run"`
	NextRun        time.Time  `db:"next_run"`
	RunCount       int        `db:"run_count"`
	CreatedAt      time.Time  `db:"created_at"`
}

// EventTrigger is an event-based agent-spawn rule with a cooldown.
type EventTrigger struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	EventType   string     `db:"event_type"`
	EventFilter *string    `db:"event_filter"`
	AgentConfig string     `db:"agent_config"`
	Enabled     bool       `db:"enabled"`
	OwnerUID    string     `db:"owner_uid"`
	CooldownMs  int64      `db:"cooldown_ms"`
	LastFired   *time.Time `db:"last_fired"`
	FireCount   int        `db:"fire_count"`
	CreatedAt   time.Time  `db:"created_at"`
}

// Plan is an agent's task-decomposition tree.
type Plan struct {
	ID        string    `db:"id"`
	PID       int64     `db:"pid"`
	AgentUID  string    `db:"agent_uid"`
	Tree      string    `db:"tree"` // JSON-encoded tree
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Reflection is a free-form note an agent recorded about its own run.
type Reflection struct {
	ID        string    `db:"id"`
	PID       int64     `db:"pid"`
	AgentUID  string    `db:"agent_uid"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// Feedback is a rating left on a process's run.
type Feedback struct {
	ID        string    `db:"id"`
	PID       int64     `db:"pid"`
	AgentUID  string    `db:"agent_uid"`
	Rating    int       `db:"rating"`
	Comment   string    `db:"comment"`
	CreatedAt time.Time `db:"created_at"`
}

// Webhook is an outbound delivery subscription.
type Webhook struct {
	ID           string    `db:"id"`
	URL          string    `db:"url"`
	Secret       *string   `db:"secret"`
	Events       string    `db:"events"`  // JSON array of topics
	Filters      string    `db:"filters"` // JSON object
	Headers      string    `db:"headers"` // JSON object
	Enabled      bool      `db:"enabled"`
	RetryCount   int       `db:"retry_count"`
	TimeoutMs    int       `db:"timeout_ms"`
	FailureCount int       `db:"failure_count"`
	OwnerUID     string    `db:"owner_uid"`
	CreatedAt    time.Time `db:"created_at"`
}

// WebhookLog records one delivery attempt outcome.
type WebhookLog struct {
	ID        int64     `db:"id"`
	WebhookID string    `db:"webhook_id"`
	EventType string    `db:"event_type"`
	Success   bool      `db:"success"`
	StatusCode *int     `db:"status_code"`
	Attempts  int       `db:"attempts"`
	CreatedAt time.Time `db:"created_at"`
}

// DLQEntry is a webhook delivery that exhausted its retries.
type DLQEntry struct {
	ID        string    `db:"id"`
	WebhookID string    `db:"webhook_id"`
	EventType string    `db:"event_type"`
	Payload   string    `db:"payload"`
	Error     string    `db:"error"`
	Attempts  int       `db:"attempts"`
	CreatedAt time.Time `db:"created_at"`
}

// InboundWebhook is a token-addressed ingress endpoint that spawns an
// agent from stored config.
type InboundWebhook struct {
	Token         string     `db:"token"`
	AgentConfig   string     `db:"agent_config"`
	Transform     *string    `db:"transform"`
	OwnerUID      string     `db:"owner_uid"`
	LastTriggered *time.Time `db:"last_triggered"`
	TriggerCount  int        `db:"trigger_count"`
	CreatedAt     time.Time  `db:"created_at"`
}

// Organization, Team, Member implement the RBAC hierarchy.
type Organization struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

type Team struct {
	ID        string    `db:"id"`
	OrgID     string    `db:"org_id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

type Member struct {
	OrgID     string    `db:"org_id"`
	TeamID    *string   `db:"team_id"`
	UserID    string    `db:"user_id"`
	Role      string    `db:"role"`
	CreatedAt time.Time `db:"created_at"`
}

// AuditEntry is an immutable, sanitized security-relevant event record.
type AuditEntry struct {
	ID            int64     `db:"id"`
	Timestamp     time.Time `db:"timestamp"`
	EventType     string    `db:"event_type"`
	ActorPID      *int64    `db:"actor_pid"`
	ActorUID      *string   `db:"actor_uid"`
	Action        string    `db:"action"`
	Target        *string   `db:"target"`
	ArgsSanitized *string   `db:"args_sanitized"`
	ResultHash    *string   `db:"result_hash"`
	Metadata      *string   `db:"metadata"`
}

// PermissionPolicy is one ACL rule.
type PermissionPolicy struct {
	ID        string    `db:"id"`
	Subject   string    `db:"subject"`
	Action    string    `db:"action"`
	Resource  string    `db:"resource"`
	Effect    string    `db:"effect"`
	CreatedAt time.Time `db:"created_at"`
	CreatedBy *string   `db:"created_by"`
}

// KVEntry is a last-write-wins key/value row.
type KVEntry struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}
