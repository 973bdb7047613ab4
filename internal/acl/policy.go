// Package acl implements the kernel's PolicyEngine: the can(subject,
// action, resource) decision function described in spec.md §4.10.
package acl

import (
	"context"

	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	"github.com/aether-run/aether/internal/statestore"
)

// OwnerLookup resolves whether resource is owned by subject, so rule 4
// (owners are always allowed on their own resources) can be evaluated
// without the engine importing every resource-owning package directly.
type OwnerLookup func(ctx context.Context, subject, resource string) bool

// Engine evaluates access decisions against stored policies.
type Engine struct {
	store  *statestore.Store
	owner  OwnerLookup
	logger *logger.Logger
}

// New constructs a PolicyEngine. owner may be nil, in which case rule 4
// (resource ownership) never applies.
func New(store *statestore.Store, owner OwnerLookup, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		owner:  owner,
		logger: log.WithFields(zap.String("component", "policyEngine")),
	}
}

// Decision identifies the role/subject tags passed to Can; isAdmin
// shortcuts straight to rule 1.
type Decision struct {
	Subject  string
	IsAdmin  bool
	Action   string
	Resource string
}

// Can evaluates the decision function:
//  1. admin role → allow, unless a matching deny policy exists.
//  2. collect policies matching subject ∈ {the caller's subject, "*"},
//     plus "role:admin" for admins (no other role tag is matched), and
//     action ∈ {action, "*"}.
//  3. apply in order; deny overrides allow.
//  4. default allow for resource ownership, unless an explicit deny exists.
func (e *Engine) Can(ctx context.Context, d Decision) bool {
	subjects := []string{d.Subject, "*"}
	if d.IsAdmin {
		subjects = append(subjects, "role:admin")
	}

	policies, err := e.store.ListPolicies(ctx, subjects)
	if err != nil {
		e.logger.Warn("policy lookup failed, defaulting to deny", zap.Error(err))
		return false
	}

	matches := make([]statestore.PermissionPolicy, 0, len(policies))
	for _, p := range policies {
		if !subjectMatches(p.Subject, d.Subject, d.IsAdmin) {
			continue
		}
		if p.Action != d.Action && p.Action != "*" {
			continue
		}
		if p.Resource != d.Resource && p.Resource != "*" {
			continue
		}
		matches = append(matches, p)
	}

	allow := d.IsAdmin
	if !allow && e.owner != nil && e.owner(ctx, d.Subject, d.Resource) {
		allow = true
	}

	for _, p := range matches {
		switch p.Effect {
		case "allow":
			allow = true
		case "deny":
			return false // deny always overrides, regardless of order
		}
	}
	return allow
}

// Checker returns a func(subject, action, resource string) bool closure
// matching toolhost.ACLChecker's shape, so it can be wired in directly
// without toolhost importing this package. subject is expected to be a
// user ID (the JWT subject); admin status is resolved per call.
func (e *Engine) Checker(ctx context.Context) func(subject, action, resource string) bool {
	return func(subject, action, resource string) bool {
		isAdmin := false
		if u, err := e.store.GetUser(ctx, subject); err == nil {
			isAdmin = u.Role == "admin"
		}
		return e.Can(ctx, Decision{
			Subject:  "user:" + subject,
			IsAdmin:  isAdmin,
			Action:   action,
			Resource: resource,
		})
	}
}

func subjectMatches(policySubject, subject string, isAdmin bool) bool {
	switch {
	case policySubject == "*":
		return true
	case policySubject == subject:
		return true
	case policySubject == "role:admin" && isAdmin:
		return true
	default:
		return false
	}
}
