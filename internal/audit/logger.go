// Package audit implements the kernel's AuditLogger: a fixed-topic
// EventBus subscriber that sanitizes and persists an immutable audit
// trail, plus a periodic pruner enforcing retention.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	"github.com/aether-run/aether/internal/statestore"
)

const maxFieldBytesDefault = 1024

// sensitiveKeys are stripped from any nested map, case-insensitively,
// wherever they occur, per spec.md §4.11's sanitization rules.
var sensitiveKeys = map[string]bool{
	"password": true,
	"secret":   true,
	"token":    true,
	"apikey":   true,
}

// auditedTopics is the fixed subscription set named in spec.md §4.11.
var auditedTopics = []string{
	"process.spawned",
	"process.exit",
	"user.*",
	"policy.*",
	"webhook.deleted",
	"cron.created",
	"cron.deleted",
	"trigger.created",
	"trigger.deleted",
	"org.*",
	"team.*",
}

// Logger subscribes to the audited topics and writes a sanitized,
// immutable record for each, then periodically prunes entries past
// their retention window.
type Logger struct {
	store         *statestore.Store
	bus           bus.EventBus
	logger        *logger.Logger
	maxFieldBytes int
	retention     time.Duration

	mu   sync.Mutex
	subs []bus.Subscription
	stop chan struct{}
}

// New constructs an AuditLogger. maxFieldBytes <= 0 defaults to 1 KiB;
// retention <= 0 defaults to 90 days.
func New(store *statestore.Store, eventBus bus.EventBus, maxFieldBytes int, retention time.Duration, log *logger.Logger) *Logger {
	if maxFieldBytes <= 0 {
		maxFieldBytes = maxFieldBytesDefault
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Logger{
		store:         store,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "auditLogger")),
		maxFieldBytes: maxFieldBytes,
		retention:     retention,
		stop:          make(chan struct{}),
	}
}

// Start subscribes to every audited topic.
func (l *Logger) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, topic := range auditedTopics {
		sub, err := l.bus.Subscribe(topic, l.onEvent)
		if err != nil {
			return err
		}
		l.subs = append(l.subs, sub)
	}
	return nil
}

// Stop unsubscribes from every topic and ends the pruning loop.
func (l *Logger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		_ = sub.Unsubscribe()
	}
	l.subs = nil
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// StartPruner runs the periodic retention sweep until ctx is cancelled.
func (l *Logger) StartPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.pruneOnce(ctx)
		}
	}
}

func (l *Logger) pruneOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-l.retention)
	n, err := l.store.PruneAudit(ctx, cutoff)
	if err != nil {
		l.logger.Warn("audit prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		l.logger.Info("pruned audit entries", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
}

func (l *Logger) onEvent(ctx context.Context, ev *bus.Event) error {
	entry := &statestore.AuditEntry{
		Timestamp: ev.Timestamp,
		EventType: ev.Type,
		Action:    ev.Type,
	}

	if pid, ok := intField(ev.Data, "pid"); ok {
		entry.ActorPID = &pid
	}
	if uid, ok := stringField(ev.Data, "uid"); ok {
		entry.ActorUID = &uid
	} else if uid, ok := stringField(ev.Data, "actorUid"); ok {
		entry.ActorUID = &uid
	}
	if target, ok := stringField(ev.Data, "target"); ok {
		entry.Target = &target
	}

	sanitized := sanitize(ev.Data, l.maxFieldBytes)
	if raw, err := json.Marshal(sanitized); err == nil {
		s := string(raw)
		entry.ArgsSanitized = &s
	}

	if result, ok := ev.Data["result"]; ok {
		if raw, err := json.Marshal(result); err == nil {
			h := sha256.Sum256(raw)
			hash := hex.EncodeToString(h[:])
			entry.ResultHash = &hash
		}
	}

	if err := l.store.AppendAuditEntry(context.Background(), entry); err != nil {
		l.logger.Warn("failed to append audit entry", zap.String("eventType", ev.Type), zap.Error(err))
	}
	return nil
}

func intField(data map[string]interface{}, key string) (int64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func stringField(data map[string]interface{}, key string) (string, bool) {
	v, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// sanitize returns a deep copy of data with sensitive keys removed and
// long strings truncated, per spec.md §4.11.
func sanitize(data map[string]interface{}, maxFieldBytes int) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if sensitiveKeys[strings.ToLower(k)] {
			continue
		}
		out[k] = sanitizeValue(v, maxFieldBytes)
	}
	return out
}

func sanitizeValue(v interface{}, maxFieldBytes int) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return sanitize(x, maxFieldBytes)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = sanitizeValue(item, maxFieldBytes)
		}
		return out
	case string:
		if len(x) > maxFieldBytes {
			return x[:maxFieldBytes] + "...(truncated)"
		}
		return x
	default:
		return x
	}
}
