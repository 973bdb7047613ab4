package websocket

import (
	"context"

	ws "github.com/aether-run/aether/pkg/websocket"
)

// badRequest builds a response.err message for a malformed payload.
func badRequest(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
}

// validationError builds a response.err message for a well-formed but
// invalid payload (missing required field, etc).
func validationError(msg *ws.Message, reason string) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, reason, nil)
}

// notFound builds a response.err message for an unknown resource id.
func notFound(msg *ws.Message, reason string) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, reason, nil)
}

// forbidden builds a response.err message for an ACL or admin-gate denial.
func forbidden(msg *ws.Message, reason string) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeForbidden, reason, nil)
}

// internalError builds a response.err message for an unexpected failure.
func internalError(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
}

// requirePrincipal extracts the authenticated principal or responds with
// an UNAUTHORIZED error, for commands with no unauthenticated use.
func requirePrincipal(ctx context.Context, msg *ws.Message) (ws.Principal, *ws.Message, error) {
	p, ok := ws.PrincipalFromContext(ctx)
	if !ok || p.Subject == "" {
		resp, err := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeUnauthorized, "authentication required", nil)
		return ws.Principal{}, resp, err
	}
	return p, nil, nil
}

// requireAdmin extracts the authenticated principal and additionally
// rejects non-admins, for the admin.* command group (spec.md §4.10).
func requireAdmin(ctx context.Context, msg *ws.Message) (ws.Principal, *ws.Message, error) {
	p, resp, err := requirePrincipal(ctx, msg)
	if resp != nil || err != nil {
		return p, resp, err
	}
	if !p.IsAdmin {
		resp, err := forbidden(msg, "admin role required")
		return p, resp, err
	}
	return p, nil, nil
}
