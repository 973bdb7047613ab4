package websocket

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aether-run/aether/internal/agentloop"
	"github.com/aether-run/aether/internal/auth"
	"github.com/aether-run/aether/internal/common/config"
	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	"github.com/aether-run/aether/internal/process"
	"github.com/aether-run/aether/internal/statestore"
	"github.com/aether-run/aether/internal/toolhost"
	"github.com/aether-run/aether/internal/webhook"
	ws "github.com/aether-run/aether/pkg/websocket"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return log
}

type testKernel struct {
	dispatcher *ws.Dispatcher
	store      *statestore.Store
	table      *process.Table
	auth       *auth.Service
	eventBus   bus.EventBus
}

func newTestKernel(t *testing.T) *testKernel {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "aether.db")},
		Auth:     config.AuthConfig{JWTSecret: "test-secret", MinPasswordLen: 8, TokenDuration: 3600, DenylistMaxSize: 100},
	}
	store, err := statestore.Open(cfg, eventBus, log)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tbl := process.NewTable(eventBus, log, 5)
	t.Cleanup(tbl.Stop)

	authSvc := auth.New(store, cfg, log)

	host := toolhost.New(nil, log)
	toolhost.RegisterBuiltins(host, store, tbl, eventBus, t.TempDir(), 100)

	chatStep := agentloop.ChatStepFunc(func(ctx context.Context, messages []agentloop.Message, tools []agentloop.ToolDescriptor) (agentloop.ChatResult, error) {
		return agentloop.ChatResult{Content: "done", Terminal: true}, nil
	})
	loop := agentloop.New(tbl, host, eventBus, chatStep, log, 5)

	whDispatcher := webhook.New(store, eventBus, 0, log)

	d := ws.NewDispatcher()
	RegisterAuthHandlers(d, authSvc)
	RegisterProcessHandlers(d, tbl, loop)
	RegisterProcessHistoryHandler(d, store, tbl)
	RegisterToolHandlers(d, host, store)
	RegisterSchedulerHandlers(d, store)
	RegisterWebhookHandlers(d, store, whDispatcher)
	RegisterAdminHandlers(d, store)
	RegisterClusterHandler(d)
	RegisterBrowserForwardHandler(d)

	return &testKernel{dispatcher: d, store: store, table: tbl, auth: authSvc, eventBus: eventBus}
}

func dispatchAs(t *testing.T, k *testKernel, principal *ws.Principal, action string, payload interface{}) *ws.Message {
	t.Helper()
	msg, err := ws.NewRequest("req-1", action, payload)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	ctx := context.Background()
	if principal != nil {
		ctx = ws.WithPrincipal(ctx, *principal)
	}
	resp, err := k.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		t.Fatalf("Dispatch(%s) error = %v", action, err)
	}
	return resp
}

func TestAuthRegisterThenLoginRoundTrips(t *testing.T) {
	k := newTestKernel(t)

	resp := dispatchAs(t, k, nil, ws.ActionAuthRegister, map[string]interface{}{
		"username": "alice", "password": "correcthorsebattery", "displayName": "Alice",
	})
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", resp)
	}
	var regOut struct {
		Token string `json:"token"`
		User  struct {
			Role string `json:"role"`
		} `json:"user"`
	}
	if err := resp.ParsePayload(&regOut); err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if regOut.Token == "" {
		t.Fatal("expected a token")
	}
	if regOut.User.Role != "admin" {
		t.Errorf("expected first registered user to be admin, got %q", regOut.User.Role)
	}

	loginResp := dispatchAs(t, k, nil, ws.ActionAuthLogin, map[string]interface{}{
		"username": "alice", "password": "correcthorsebattery",
	})
	if loginResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", loginResp)
	}
}

func TestAuthLoginRejectsBadPassword(t *testing.T) {
	k := newTestKernel(t)
	dispatchAs(t, k, nil, ws.ActionAuthRegister, map[string]interface{}{
		"username": "bob", "password": "correcthorsebattery",
	})

	resp := dispatchAs(t, k, nil, ws.ActionAuthLogin, map[string]interface{}{
		"username": "bob", "password": "wrongpassword",
	})
	if resp.Type != ws.MessageTypeError {
		t.Fatalf("expected response.err, got %+v", resp)
	}
	var errPayload ws.ErrorPayload
	if err := resp.ParsePayload(&errPayload); err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if errPayload.Code != ws.ErrorCodeUnauthorized {
		t.Errorf("expected UNAUTHORIZED, got %q", errPayload.Code)
	}
}

func TestProcessSpawnListAndGetScopedToOwner(t *testing.T) {
	k := newTestKernel(t)
	alice := &ws.Principal{Subject: "alice", IsAdmin: false}
	bob := &ws.Principal{Subject: "bob", IsAdmin: false}

	spawnResp := dispatchAs(t, k, alice, ws.ActionProcessSpawn, map[string]interface{}{
		"name": "worker", "goal": "do the thing", "systemPrompt": "be helpful",
	})
	if spawnResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", spawnResp)
	}
	var spawnOut struct {
		PID int64 `json:"pid"`
	}
	if err := spawnResp.ParsePayload(&spawnOut); err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if spawnOut.PID == 0 {
		t.Fatal("expected a nonzero pid")
	}

	listResp := dispatchAs(t, k, alice, ws.ActionProcessList, nil)
	var listOut struct {
		Processes []map[string]interface{} `json:"processes"`
	}
	if err := listResp.ParsePayload(&listOut); err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if len(listOut.Processes) != 1 {
		t.Fatalf("expected 1 process for alice, got %d", len(listOut.Processes))
	}

	bobListResp := dispatchAs(t, k, bob, ws.ActionProcessList, nil)
	var bobListOut struct {
		Processes []map[string]interface{} `json:"processes"`
	}
	if err := bobListResp.ParsePayload(&bobListOut); err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if len(bobListOut.Processes) != 0 {
		t.Fatalf("expected 0 processes visible to bob, got %d", len(bobListOut.Processes))
	}

	getAsBobResp := dispatchAs(t, k, bob, ws.ActionProcessGet, map[string]interface{}{"pid": spawnOut.PID})
	if getAsBobResp.Type != ws.MessageTypeError {
		t.Fatalf("expected bob to be forbidden from alice's process, got %+v", getAsBobResp)
	}
}

func TestProcessKillRequiresOwnership(t *testing.T) {
	k := newTestKernel(t)
	alice := &ws.Principal{Subject: "alice"}
	mallory := &ws.Principal{Subject: "mallory"}

	spawnResp := dispatchAs(t, k, alice, ws.ActionProcessSpawn, map[string]interface{}{
		"name": "worker", "goal": "do the thing",
	})
	var spawnOut struct {
		PID int64 `json:"pid"`
	}
	_ = spawnResp.ParsePayload(&spawnOut)

	killResp := dispatchAs(t, k, mallory, ws.ActionProcessKill, map[string]interface{}{"pid": spawnOut.PID})
	if killResp.Type != ws.MessageTypeError {
		t.Fatalf("expected forbidden, got %+v", killResp)
	}

	okResp := dispatchAs(t, k, alice, ws.ActionProcessKill, map[string]interface{}{"pid": spawnOut.PID})
	if okResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected owner kill to succeed, got %+v", okResp)
	}
}

func TestMemoryPutGetDelete(t *testing.T) {
	k := newTestKernel(t)
	alice := &ws.Principal{Subject: "alice"}

	putResp := dispatchAs(t, k, alice, ws.ActionMemoryPut, map[string]interface{}{
		"agentUid": "alice", "layer": "long_term", "content": "the sky is blue",
	})
	if putResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", putResp)
	}
	var putOut struct {
		ID string `json:"id"`
	}
	if err := putResp.ParsePayload(&putOut); err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}

	getResp := dispatchAs(t, k, alice, ws.ActionMemoryGet, map[string]interface{}{"id": putOut.ID})
	if getResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", getResp)
	}

	bob := &ws.Principal{Subject: "bob"}
	forbiddenResp := dispatchAs(t, k, bob, ws.ActionMemoryGet, map[string]interface{}{"id": putOut.ID})
	if forbiddenResp.Type != ws.MessageTypeError {
		t.Fatalf("expected bob to be forbidden, got %+v", forbiddenResp)
	}

	delResp := dispatchAs(t, k, alice, ws.ActionMemoryDelete, map[string]interface{}{"id": putOut.ID})
	if delResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", delResp)
	}
}

func TestCronCreateListAndDelete(t *testing.T) {
	k := newTestKernel(t)
	alice := &ws.Principal{Subject: "alice"}

	createResp := dispatchAs(t, k, alice, ws.ActionCronCreate, map[string]interface{}{
		"name": "nightly", "cronExpression": "@daily",
		"agentConfig": `{"name":"nightly-agent","goal":"cleanup"}`,
	})
	if createResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", createResp)
	}
	var job struct {
		ID string `json:"ID"`
	}
	_ = createResp.ParsePayload(&job)

	listResp := dispatchAs(t, k, alice, ws.ActionCronList, nil)
	if listResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", listResp)
	}

	bob := &ws.Principal{Subject: "bob"}
	deleteAsBobResp := dispatchAs(t, k, bob, ws.ActionCronDelete, map[string]interface{}{"id": job.ID})
	if deleteAsBobResp.Type != ws.MessageTypeError {
		t.Fatalf("expected bob to be forbidden from deleting alice's cron job, got %+v", deleteAsBobResp)
	}
}

func TestCronCreateRejectsInvalidExpression(t *testing.T) {
	k := newTestKernel(t)
	alice := &ws.Principal{Subject: "alice"}

	resp := dispatchAs(t, k, alice, ws.ActionCronCreate, map[string]interface{}{
		"name": "bad", "cronExpression": "not a cron expr",
		"agentConfig": `{"name":"a","goal":"b"}`,
	})
	if resp.Type != ws.MessageTypeError {
		t.Fatalf("expected validation error, got %+v", resp)
	}
}

func TestWebhookCreateListDelete(t *testing.T) {
	k := newTestKernel(t)
	alice := &ws.Principal{Subject: "alice"}

	createResp := dispatchAs(t, k, alice, ws.ActionWebhookCreate, map[string]interface{}{
		"url": "https://example.com/hook", "events": []string{"process.exit"},
	})
	if createResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", createResp)
	}
	var hook struct {
		ID string `json:"ID"`
	}
	_ = createResp.ParsePayload(&hook)

	listResp := dispatchAs(t, k, alice, ws.ActionWebhookList, nil)
	if listResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", listResp)
	}

	deleteResp := dispatchAs(t, k, alice, ws.ActionWebhookDelete, map[string]interface{}{"id": hook.ID})
	if deleteResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", deleteResp)
	}
}

func TestAdminCommandsRejectNonAdmin(t *testing.T) {
	k := newTestKernel(t)
	alice := &ws.Principal{Subject: "alice", IsAdmin: false}

	resp := dispatchAs(t, k, alice, ws.ActionPolicySet, map[string]interface{}{
		"subject": "user:bob", "action": "process.kill", "resource": "*", "effect": "deny",
	})
	if resp.Type != ws.MessageTypeError {
		t.Fatalf("expected forbidden, got %+v", resp)
	}

	admin := &ws.Principal{Subject: "root", IsAdmin: true}
	okResp := dispatchAs(t, k, admin, ws.ActionPolicySet, map[string]interface{}{
		"subject": "user:bob", "action": "process.kill", "resource": "*", "effect": "deny",
	})
	if okResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok for admin, got %+v", okResp)
	}

	listResp := dispatchAs(t, k, admin, ws.ActionPolicyList, nil)
	if listResp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", listResp)
	}
}

func TestClusterInfoAndUnknownAction(t *testing.T) {
	k := newTestKernel(t)

	resp := dispatchAs(t, k, nil, ws.ActionClusterInfo, nil)
	if resp.Type != ws.MessageTypeResponse {
		t.Fatalf("expected response.ok, got %+v", resp)
	}

	msg, _ := ws.NewRequest("req-x", "no.such.action", nil)
	unknownResp, err := k.dispatcher.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if unknownResp.Type != ws.MessageTypeError {
		t.Fatalf("expected unknown action error, got %+v", unknownResp)
	}
}
