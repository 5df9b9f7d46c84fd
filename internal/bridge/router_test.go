package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"mission-control/internal/model"
)

var testMetricsOnce sync.Once
var testMetrics *Metrics

func sharedTestMetrics() *Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = NewMetrics("test-org", "dev", "test")
	})
	return testMetrics
}

// fakeHubServer records every POST and echoes 201.
func fakeHubServer(t *testing.T) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var received []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["_path"] = r.URL.Path
		received = append(received, body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"msg-1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

// fakeRuntimeServer answers /v1/chat and /v1/command with a fixed reply
// and records the request bodies it saw.
func fakeRuntimeServer(t *testing.T) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var received []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["_path"] = r.URL.Path
		received = append(received, body)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat":
			_, _ = w.Write([]byte(`{"response":"chat reply"}`))
		case "/v1/command":
			_, _ = w.Write([]byte(`{"output":"command output"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func newTestRouter(t *testing.T, hubURL, runtimeURL string) *Router {
	t.Helper()
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &Config{OrgSlug: "acme", AgentIdentity: "test_agent"}
	subs := NewSubscriptions()
	hub := NewHubClient(hubURL, "hub-token", logrus.New())
	runtime := NewRuntimeClient(runtimeURL, "runtime-key", logrus.New())
	return NewRouter(cfg, subs, store, hub, runtime, sharedTestMetrics(), logrus.New())
}

func TestHandleMessageCreated_ForwardsToRuntimeChat(t *testing.T) {
	hubSrv, hubReceived := fakeHubServer(t)
	runtimeSrv, runtimeReceived := fakeRuntimeServer(t)
	r := newTestRouter(t, hubSrv.URL, runtimeSrv.URL)

	r.HandleEvent(context.Background(), model.Event{
		Type: "message.created",
		Payload: model.Payload{
			"channel_id": "ch-1",
			"sender_id":  "user-1",
			"content":    "hello agent",
		},
	})

	if len(*runtimeReceived) != 1 {
		t.Fatalf("expected 1 runtime call, got %d", len(*runtimeReceived))
	}
	call := (*runtimeReceived)[0]
	if call["_path"] != "/v1/chat" {
		t.Fatalf("expected /v1/chat, got %v", call["_path"])
	}
	if call["session_key"] != "hub:acme:project:ch-1" {
		t.Fatalf("unexpected session_key: %v", call["session_key"])
	}
	if call["message"] != "hello agent" || call["sender"] != "user-1" {
		t.Fatalf("unexpected chat payload: %+v", call)
	}

	if len(*hubReceived) != 1 {
		t.Fatalf("expected 1 hub post, got %d", len(*hubReceived))
	}
	posted := (*hubReceived)[0]
	if posted["_path"] != "/api/v1/channels/ch-1/messages" {
		t.Fatalf("unexpected post path: %v", posted["_path"])
	}
	if posted["content"] != "chat reply" {
		t.Fatalf("unexpected posted content: %v", posted["content"])
	}
}

func TestHandleMessageCreated_SkipsSelfLoop(t *testing.T) {
	hubSrv, hubReceived := fakeHubServer(t)
	runtimeSrv, runtimeReceived := fakeRuntimeServer(t)
	r := newTestRouter(t, hubSrv.URL, runtimeSrv.URL)

	r.HandleEvent(context.Background(), model.Event{
		Type: "message.created",
		Payload: model.Payload{
			"channel_id": "ch-1",
			"sender_id":  "test_agent",
			"content":    "my own reply",
		},
	})

	if len(*runtimeReceived) != 0 || len(*hubReceived) != 0 {
		t.Fatalf("expected no outbound calls on self-loop, got runtime=%d hub=%d", len(*runtimeReceived), len(*hubReceived))
	}
}

func TestHandleMessageCreated_SkipsSlashCommandContent(t *testing.T) {
	hubSrv, hubReceived := fakeHubServer(t)
	runtimeSrv, runtimeReceived := fakeRuntimeServer(t)
	r := newTestRouter(t, hubSrv.URL, runtimeSrv.URL)

	r.HandleEvent(context.Background(), model.Event{
		Type: "message.created",
		Payload: model.Payload{
			"channel_id": "ch-1",
			"sender_id":  "user-1",
			"content":    "/status",
		},
	})

	if len(*runtimeReceived) != 0 || len(*hubReceived) != 0 {
		t.Fatalf("expected message.created to leave slash commands to command.invoked, got runtime=%d hub=%d", len(*runtimeReceived), len(*hubReceived))
	}
}

func TestHandleCommandInvoked_ForwardsToRuntimeCommand(t *testing.T) {
	hubSrv, hubReceived := fakeHubServer(t)
	runtimeSrv, runtimeReceived := fakeRuntimeServer(t)
	r := newTestRouter(t, hubSrv.URL, runtimeSrv.URL)

	r.HandleEvent(context.Background(), model.Event{
		Type: "command.invoked",
		Payload: model.Payload{
			"channel_id": "ch-1",
			"sender_id":  "user_human",
			"command":    "status",
			"args":       "",
		},
	})

	if len(*runtimeReceived) != 1 {
		t.Fatalf("expected 1 runtime call, got %d", len(*runtimeReceived))
	}
	call := (*runtimeReceived)[0]
	if call["_path"] != "/v1/command" {
		t.Fatalf("expected /v1/command, got %v", call["_path"])
	}
	if call["command"] != "status" {
		t.Fatalf("unexpected command: %v", call["command"])
	}

	if len(*hubReceived) != 1 || (*hubReceived)[0]["content"] != "command output" {
		t.Fatalf("unexpected hub post: %+v", *hubReceived)
	}
}

func TestHandleMessageCreated_LocalSubscribeCommand(t *testing.T) {
	hubSrv, hubReceived := fakeHubServer(t)
	runtimeSrv, runtimeReceived := fakeRuntimeServer(t)
	r := newTestRouter(t, hubSrv.URL, runtimeSrv.URL)

	r.HandleEvent(context.Background(), model.Event{
		Type: "message.created",
		Payload: model.Payload{
			"channel_id": "ch-1",
			"sender_id":  "user-1",
			"content":    "mc-bridge subscribe billing",
		},
	})

	if len(*runtimeReceived) != 0 {
		t.Fatalf("expected local command to never reach the runtime, got %d calls", len(*runtimeReceived))
	}
	if len(*hubReceived) != 1 {
		t.Fatalf("expected 1 hub post, got %d", len(*hubReceived))
	}
	content, _ := (*hubReceived)[0]["content"].(string)
	if content != "Subscribed to topic: billing" {
		t.Fatalf("unexpected confirmation text: %q", content)
	}

	if !r.subs.Has("billing") {
		t.Fatal("expected billing topic to now be subscribed")
	}
	if r.subs.Has("some-other-topic") {
		t.Fatal("expected non-subscribed topic to be gated out once a subscription exists")
	}
}

func TestHandleProjectAssigned_CreatesSessionMapping(t *testing.T) {
	hubSrv, _ := fakeHubServer(t)
	runtimeSrv, _ := fakeRuntimeServer(t)
	r := newTestRouter(t, hubSrv.URL, runtimeSrv.URL)

	r.HandleEvent(context.Background(), model.Event{
		Type: "project.user_assigned",
		Payload: model.Payload{
			"user_id":    "test_agent",
			"project_id": "proj-1",
			"channel_id": "ch-1",
		},
	})

	channelID, ok, err := r.store.ChannelForSession(r.projectSessionKey("proj-1"))
	if err != nil {
		t.Fatalf("ChannelForSession: %v", err)
	}
	if !ok || channelID != "ch-1" {
		t.Fatalf("expected session mapping to ch-1, got ok=%v channel=%q", ok, channelID)
	}
}

func TestHandleProjectAssigned_IgnoresOtherAgents(t *testing.T) {
	hubSrv, _ := fakeHubServer(t)
	runtimeSrv, _ := fakeRuntimeServer(t)
	r := newTestRouter(t, hubSrv.URL, runtimeSrv.URL)

	r.HandleEvent(context.Background(), model.Event{
		Type: "project.user_assigned",
		Payload: model.Payload{
			"user_id":    "someone_else",
			"project_id": "proj-1",
			"channel_id": "ch-1",
		},
	})

	_, ok, err := r.store.ChannelForSession(r.projectSessionKey("proj-1"))
	if err != nil {
		t.Fatalf("ChannelForSession: %v", err)
	}
	if ok {
		t.Fatal("expected no mapping for an assignment naming a different agent")
	}
}

func TestHandleProjectUnassigned_DeletesSessionMapping(t *testing.T) {
	hubSrv, _ := fakeHubServer(t)
	runtimeSrv, _ := fakeRuntimeServer(t)
	r := newTestRouter(t, hubSrv.URL, runtimeSrv.URL)

	r.HandleEvent(context.Background(), model.Event{
		Type: "project.user_assigned",
		Payload: model.Payload{"user_id": "test_agent", "project_id": "proj-1", "channel_id": "ch-1"},
	})
	r.HandleEvent(context.Background(), model.Event{
		Type: "project.user_unassigned",
		Payload: model.Payload{"user_id": "test_agent", "project_id": "proj-1"},
	})

	_, ok, err := r.store.ChannelForSession(r.projectSessionKey("proj-1"))
	if err != nil {
		t.Fatalf("ChannelForSession: %v", err)
	}
	if ok {
		t.Fatal("expected session mapping to be removed on unassignment")
	}
}

func TestHandleSubAgentTerminated_DeletesSessionMapping(t *testing.T) {
	hubSrv, _ := fakeHubServer(t)
	runtimeSrv, _ := fakeRuntimeServer(t)
	r := newTestRouter(t, hubSrv.URL, runtimeSrv.URL)

	r.HandleEvent(context.Background(), model.Event{
		Type:    "sub_agent.created",
		Payload: model.Payload{"sub_agent_id": "sub-1", "channel_id": "ch-1"},
	})
	r.HandleEvent(context.Background(), model.Event{
		Type:    "sub_agent.terminated",
		Payload: model.Payload{"sub_agent_id": "sub-1"},
	})

	_, ok, err := r.store.ChannelForSession(r.subAgentSessionKey("sub-1"))
	if err != nil {
		t.Fatalf("ChannelForSession: %v", err)
	}
	if ok {
		t.Fatal("expected sub-agent session mapping to be removed on termination")
	}
}

func TestPostReply_BuffersOnFailureAndFlushPendingRedelivers(t *testing.T) {
	runtimeSrv, _ := fakeRuntimeServer(t)
	r := newTestRouter(t, "http://127.0.0.1:0", runtimeSrv.URL)

	r.postReply(context.Background(), "ch-1", "undelivered reply")

	r.pendingMu.Lock()
	pendingCount := len(r.pending)
	r.pendingMu.Unlock()
	if pendingCount != 1 {
		t.Fatalf("expected 1 buffered reply after a failed post, got %d", pendingCount)
	}

	hubSrv, hubReceived := fakeHubServer(t)
	r.hub = NewHubClient(hubSrv.URL, "hub-token", logrus.New())

	r.FlushPending(context.Background())

	r.pendingMu.Lock()
	pendingCount = len(r.pending)
	r.pendingMu.Unlock()
	if pendingCount != 0 {
		t.Fatalf("expected pending buffer drained after flush, got %d remaining", pendingCount)
	}
	if len(*hubReceived) != 1 || (*hubReceived)[0]["content"] != "undelivered reply" {
		t.Fatalf("expected flush to redeliver the buffered reply, got %+v", *hubReceived)
	}
}
