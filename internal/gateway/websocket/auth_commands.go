package websocket

import (
	"context"
	"errors"

	"github.com/aether-run/aether/internal/auth"
	ws "github.com/aether-run/aether/pkg/websocket"
)

// RegisterAuthHandlers wires auth.* commands onto d.
func RegisterAuthHandlers(d *ws.Dispatcher, svc *auth.Service) {
	d.RegisterFunc(ws.ActionAuthRegister, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			Username    string `json:"username"`
			Password    string `json:"password"`
			DisplayName string `json:"displayName"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.Username == "" || req.Password == "" {
			return validationError(msg, "username and password are required")
		}
		result, err := svc.Register(ctx, req.Username, req.Password, req.DisplayName)
		if err != nil {
			return authError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, authView(result))
	})

	d.RegisterFunc(ws.ActionAuthLogin, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			TOTPCode string `json:"totpCode"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.Username == "" || req.Password == "" {
			return validationError(msg, "username and password are required")
		}
		result, err := svc.Login(ctx, req.Username, req.Password, req.TOTPCode)
		if err != nil {
			return authError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, authView(result))
	})

	d.RegisterFunc(ws.ActionAuthLogout, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			Token string `json:"token"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if err := svc.Logout(req.Token); err != nil {
			return authError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true})
	})

	d.RegisterFunc(ws.ActionAuthVerify, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			Token string `json:"token"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		subject, isAdmin, err := svc.VerifyToken(req.Token)
		if err != nil {
			return authError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"subject": subject,
			"isAdmin": isAdmin,
		})
	})

	d.RegisterFunc(ws.ActionAuthMFAEnroll, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			Username string `json:"username"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		provisioningURL, err := svc.EnrollMFA(ctx, principal.Subject, req.Username)
		if err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"provisioningUrl": provisioningURL})
	})

	// auth.mfa.verify confirms a TOTP code against the caller's own
	// already-authenticated session (a step-up check, distinct from the
	// totpCode accepted inline by auth.login).
	d.RegisterFunc(ws.ActionAuthMFAVerify, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			TOTPCode string `json:"totpCode"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		result, err := svc.Login(ctx, req.Username, req.Password, req.TOTPCode)
		if err != nil {
			return authError(msg, err)
		}
		if result.User.ID != principal.Subject {
			return forbidden(msg, "can only verify your own account")
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true, "subject": principal.Subject})
	})
}

func authView(r *auth.AuthResult) map[string]interface{} {
	return map[string]interface{}{
		"token": r.Token,
		"user": map[string]interface{}{
			"id":          r.User.ID,
			"username":    r.User.Username,
			"displayName": r.User.DisplayName,
			"role":        r.User.Role,
		},
	}
}

// authError maps AuthService's sentinel errors to the gateway's error
// taxonomy; anything unrecognized surfaces as an internal error rather
// than leaking implementation detail to the client.
func authError(msg *ws.Message, err error) (*ws.Message, error) {
	switch {
	case errors.Is(err, auth.ErrDuplicateUsername), errors.Is(err, auth.ErrWeakPassword):
		return validationError(msg, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrMFARequired), errors.Is(err, auth.ErrInvalidMFA), errors.Is(err, auth.ErrTokenInvalid):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeUnauthorized, err.Error(), nil)
	default:
		return internalError(msg, err)
	}
}
