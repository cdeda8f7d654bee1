package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentguntur/project-school/internal/agent"
	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/chat"
	"github.com/rentguntur/project-school/internal/history"
	"github.com/rentguntur/project-school/internal/metrics"
	"github.com/rentguntur/project-school/internal/registry"
	"github.com/rentguntur/project-school/internal/window"
)

type mockInvoker struct {
	ReasonFunc   func(ctx context.Context, req agent.ReasonRequest) (agent.Output, error)
	CallToolFunc func(ctx context.Context, call history.ToolCall) (string, error)
}

func (m *mockInvoker) Reason(ctx context.Context, req agent.ReasonRequest) (agent.Output, error) {
	if m.ReasonFunc != nil {
		return m.ReasonFunc(ctx, req)
	}
	return agent.Output{Content: "ok"}, nil
}

func (m *mockInvoker) CallTool(ctx context.Context, call history.ToolCall) (string, error) {
	if m.CallToolFunc != nil {
		return m.CallToolFunc(ctx, call)
	}
	return "result", nil
}

type registryFunc func(ctx context.Context, id string) (registry.AgentDefinition, error)

func (f registryFunc) Lookup(ctx context.Context, id string) (registry.AgentDefinition, error) {
	return f(ctx, id)
}

type harness struct {
	srv   *httptest.Server
	store *history.MemoryStore
}

func newHarness(t *testing.T, inv agent.Invoker, timeout time.Duration) *harness {
	t.Helper()
	store := history.NewMemoryStore()
	reg := registryFunc(func(_ context.Context, id string) (registry.AgentDefinition, error) {
		if id != "tutor" {
			return registry.AgentDefinition{}, apperr.NotFound("test", "agent %s not found", id)
		}
		return registry.AgentDefinition{ID: "tutor", Tools: []string{"get_user_goals"}, MaxSteps: 3}, nil
	})
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	ctrl := chat.NewController(store, registry.NewResolver(reg, 5), window.NewBuilder(store),
		agent.New(store, inv, agent.WithMetrics(m)), chat.Options{Timeout: timeout})
	srv := httptest.NewServer(New(ctrl, m, promReg).Routes())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: store}
}

func (h *harness) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func toolThenAnswer() *mockInvoker {
	var n atomic.Int32
	return &mockInvoker{ReasonFunc: func(context.Context, agent.ReasonRequest) (agent.Output, error) {
		if n.Add(1) == 1 {
			return agent.Output{ToolCalls: []history.ToolCall{{ID: "c1", Name: "get_user_goals", Arguments: `{}`}}}, nil
		}
		return agent.Output{Content: "Study Go."}, nil
	}}
}

func TestPostChat_FourMessages(t *testing.T) {
	h := newHarness(t, toolThenAnswer(), time.Minute)

	resp, body := h.post(t, "/chat", map[string]string{"userId": "u1", "agentId": "tutor", "content": "help"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convID := body["conversationId"].(string)
	require.NotEmpty(t, convID)
	reply := body["reply"].(map[string]any)
	require.Equal(t, "Study Go.", reply["content"])

	msgs, err := h.store.ReadAll(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	want := []history.Role{history.RoleUser, history.RoleAgent, history.RoleTool, history.RoleAgent}
	for i, m := range msgs {
		require.Equal(t, want[i], m.Role)
		require.Equal(t, int64(i+1), m.Seq)
	}
}

func TestPostChat_EmptyContent(t *testing.T) {
	h := newHarness(t, &mockInvoker{}, time.Minute)

	resp, body := h.post(t, "/chat", map[string]string{"userId": "u1", "agentId": "tutor", "content": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, body["error"])

	convs, err := h.store.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, convs)
}

func TestPostChat_Errors(t *testing.T) {
	h := newHarness(t, &mockInvoker{}, time.Minute)

	resp, _ := h.post(t, "/chat", map[string]string{"userId": "u1", "agentId": "ghost", "content": "hi"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.post(t, "/chat/agent", map[string]string{"conversationId": "missing", "userId": "u1", "agentId": "tutor", "content": "hi"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	r, err := http.Post(h.srv.URL+"/chat", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	r.Body.Close()
	require.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestPostChat_ConcurrentSameConversation(t *testing.T) {
	entered := make(chan struct{}, 2)
	proceed := make(chan struct{})
	inv := &mockInvoker{ReasonFunc: func(context.Context, agent.ReasonRequest) (agent.Output, error) {
		entered <- struct{}{}
		<-proceed
		return agent.Output{Content: "done"}, nil
	}}
	h := newHarness(t, inv, time.Minute)
	ctx := context.Background()
	conv, err := h.store.CreateConversation(ctx, "u1", "tutor")
	require.NoError(t, err)

	statuses := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, _ := json.Marshal(map[string]string{"userId": "u1", "agentId": "tutor", "content": "hi"})
			resp, err := http.Post(h.srv.URL+"/chat", "application/json", bytes.NewReader(b))
			if !assert.NoError(t, err) {
				statuses <- 0
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}

	// one request holds the conversation inside Reason; the other is
	// rejected without waiting for it
	<-entered
	first := <-statuses
	close(proceed)
	wg.Wait()
	second := <-statuses

	require.Equal(t, http.StatusConflict, first)
	require.Equal(t, http.StatusOK, second)

	msgs, err := h.store.ReadAll(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestPostChat_CappedReturnsPartial(t *testing.T) {
	inv := &mockInvoker{ReasonFunc: func(context.Context, agent.ReasonRequest) (agent.Output, error) {
		return agent.Output{ToolCalls: []history.ToolCall{{ID: "c", Name: "get_user_goals"}}}, nil
	}}
	h := newHarness(t, inv, time.Minute)

	resp, body := h.post(t, "/chat", map[string]string{"userId": "u1", "agentId": "tutor", "content": "loop"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["partial"])
	require.Equal(t, string(agent.StateCapped), body["state"])

	msgs, err := h.store.ReadAll(context.Background(), body["conversationId"].(string))
	require.NoError(t, err)
	require.NotEmpty(t, msgs[len(msgs)-3].ToolCalls, "the last tool-call message is persisted")
	require.True(t, msgs[len(msgs)-1].Partial)
}

func TestPostChat_Timeout(t *testing.T) {
	inv := &mockInvoker{ReasonFunc: func(ctx context.Context, _ agent.ReasonRequest) (agent.Output, error) {
		<-ctx.Done()
		return agent.Output{}, ctx.Err()
	}}
	h := newHarness(t, inv, 20*time.Millisecond)

	resp, _ := h.post(t, "/chat", map[string]string{"userId": "u1", "agentId": "tutor", "content": "hi"})
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestListHistoryArchive(t *testing.T) {
	h := newHarness(t, &mockInvoker{}, time.Minute)
	_, body := h.post(t, "/chat", map[string]string{"userId": "u1", "agentId": "tutor", "content": "hi"})
	convID := body["conversationId"].(string)

	resp, err := http.Get(h.srv.URL + "/chat/u1")
	require.NoError(t, err)
	var convs []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convs))
	resp.Body.Close()
	require.Len(t, convs, 1)
	require.Equal(t, convID, convs[0]["id"])
	require.EqualValues(t, 2, convs[0]["messageCount"])

	resp, err = http.Get(h.srv.URL + "/chat/nobody")
	require.NoError(t, err)
	var empty []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	resp.Body.Close()
	require.Empty(t, empty)

	resp, err = http.Get(h.srv.URL + "/chat/history/" + convID)
	require.NoError(t, err)
	var hist struct {
		Messages []history.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hist))
	resp.Body.Close()
	require.Len(t, hist.Messages, 2)

	resp, _ = h.post(t, "/chat/conversations/"+convID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.post(t, "/chat/agent", map[string]string{"conversationId": convID, "content": "hi"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, &mockInvoker{}, time.Minute)
	h.post(t, "/chat", map[string]string{"userId": "u1", "agentId": "tutor", "content": "hi"})

	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, "healthy", health["status"])

	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `chat_executions_total{state="Finished"} 1`)
	require.Contains(t, buf.String(), "chat_http_requests_total")
}
