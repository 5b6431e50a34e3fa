package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"quorumledger/internal/app"
	"quorumledger/internal/config"
	"quorumledger/internal/domain"
	"quorumledger/internal/repo"
	quorumledgersdk "quorumledger/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL string
	App *app.App
}

func addr(n int) string { return fmt.Sprintf("0x%040x", n) }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	a, err := app.Init(ctx, t.TempDir(), domain.Address(addr(1)), nil)
	require.NoError(t, err)
	handler, err := New(Config{
		Engine:   a.Engine,
		Ledger:   a.Ledger,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			DevLogin:               true,
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		a.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), App: a}
}

func (s *testServer) client(actor string) *quorumledgersdk.Client {
	c := quorumledgersdk.New(s.URL)
	c.ActorID = actor
	return c
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func requireAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var apiErr *quorumledgersdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	require.Equal(t, status, apiErr.StatusCode, apiErr.Body)
	require.Equal(t, code, apiErr.Code, apiErr.Body)
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, s.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "ok")
}

func TestOpenAPIConcurrentFetch(t *testing.T) {
	s := newTestServer(t)
	bodies := make([][]byte, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(s.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				bodies[i], _ = io.ReadAll(resp.Body)
			}
		}(i)
	}
	wg.Wait()
	for _, b := range bodies {
		require.NotEmpty(t, b)
		require.Equal(t, bodies[0], b)
	}
	var doc struct {
		Paths      map[string]any `json:"paths"`
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &doc))
	require.Contains(t, doc.Paths, "/v0/tasks")
	require.NotEmpty(t, doc.Components.SecuritySchemes)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, s.URL+"/v0/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	require.Equal(t, "unauthenticated", env.Error.Code)
}

func TestBatchTransferFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	admin := s.client(addr(1))

	task, err := admin.CreateTask(ctx, "operational", "ipfs://payout")
	require.NoError(t, err)
	require.Equal(t, uint64(1), task.ID)
	require.Equal(t, "created", task.State)
	require.Equal(t, 1, task.Threshold)

	task, err = admin.ApproveTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "approved", task.State)
	require.Equal(t, []string{addr(1)}, task.Approvals)

	res, err := admin.BatchTransfer(ctx, task.ID, []string{addr(100), addr(101)}, []uint64{500, 250}, []int64{0, 0})
	require.NoError(t, err)
	require.Equal(t, 2, res.Recipients)
	require.Equal(t, uint64(750), res.Total)

	acc, err := admin.Account(ctx, addr(100))
	require.NoError(t, err)
	require.Equal(t, uint64(500), acc.Balance)

	info, err := admin.LedgerInfo(ctx)
	require.NoError(t, err)
	treasury, err := admin.Account(ctx, info.TaskManager)
	require.NoError(t, err)
	require.Equal(t, info.TotalSupply-750, treasury.Balance)

	task, err = admin.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "finalized", task.State)
	require.NotNil(t, task.FinalizedAt)

	_, err = admin.BatchTransfer(ctx, task.ID, []string{addr(100)}, []uint64{1}, []int64{0})
	requireAPIError(t, err, http.StatusConflict, "task_already_finalized")

	holder := s.client(addr(100))
	acc, err = holder.Transfer(ctx, addr(102), 200)
	require.NoError(t, err)
	require.Equal(t, uint64(300), acc.Balance)

	page, err := admin.EventsPage(ctx, quorumledgersdk.EventQuery{Type: domain.EventTaskExecuted})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, repo.TaskEntityID(task.ID), page.Items[0].EntityID)
	require.Equal(t, info.TaskManager, page.Items[0].Emitter)
}

func TestRoleChangeThroughAdminTask(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	admin := s.client(addr(1))

	task, err := admin.CreateTask(ctx, "administrative", "")
	require.NoError(t, err)
	_, err = admin.ApproveTask(ctx, task.ID)
	require.NoError(t, err)

	members, err := admin.GrantRole(ctx, task.ID, "approver", addr(50))
	require.NoError(t, err)
	require.Equal(t, 2, members.Count)
	require.Equal(t, 2, members.Threshold)
	require.Contains(t, members.Members, addr(50))

	_, err = admin.GrantRole(ctx, task.ID, "approver", addr(51))
	requireAPIError(t, err, http.StatusConflict, "task_already_finalized")

	op, err := admin.CreateTask(ctx, "operational", "")
	require.NoError(t, err)
	_, err = admin.RevokeRole(ctx, op.ID, "approver", addr(50))
	requireAPIError(t, err, http.StatusUnprocessableEntity, "wrong_task_kind")
}

func TestErrorCodes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	admin := s.client(addr(1))
	stranger := s.client(addr(9))

	_, err := stranger.CreateTask(ctx, "operational", "")
	requireAPIError(t, err, http.StatusForbidden, "unauthorized")

	_, err = admin.GetTask(ctx, 42)
	requireAPIError(t, err, http.StatusNotFound, "task_not_found")

	task, err := admin.CreateTask(ctx, "operational", "")
	require.NoError(t, err)
	_, err = admin.FinalizeTask(ctx, task.ID, "early")
	requireAPIError(t, err, http.StatusConflict, "task_not_approved")

	_, err = admin.ApproveTask(ctx, task.ID)
	require.NoError(t, err)
	_, err = admin.ApproveTask(ctx, task.ID)
	requireAPIError(t, err, http.StatusConflict, "already_approved")

	_, err = admin.BatchTransfer(ctx, task.ID, []string{addr(100)}, []uint64{1, 2}, []int64{0})
	requireAPIError(t, err, http.StatusUnprocessableEntity, "length_mismatch")

	_, err = admin.BatchTransfer(ctx, task.ID, []string{"not-an-address"}, []uint64{1}, []int64{0})
	requireAPIError(t, err, http.StatusBadRequest, "bad_request")

	_, err = admin.Transfer(ctx, addr(2), 10)
	requireAPIError(t, err, http.StatusConflict, "insufficient_balance")

	resp, body := doJSON(t, http.MethodPost, s.URL+"/v0/ledger/native", map[string]any{"value": 1}, map[string]string{"X-Actor-Id": addr(1)})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	require.Contains(t, string(body), "cannot_accept_value")

	rejected, err := admin.CreateTask(ctx, "operational", "")
	require.NoError(t, err)
	rejected, err = admin.RejectTask(ctx, rejected.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, "rejected", rejected.State)
	require.Equal(t, "duplicate", rejected.FinalizationReason)
	_, err = admin.ApproveTask(ctx, rejected.ID)
	requireAPIError(t, err, http.StatusConflict, "task_not_pending")
}

func TestListTasksPagination(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	admin := s.client(addr(1))
	for i := 0; i < 5; i++ {
		_, err := admin.CreateTask(ctx, "operational", fmt.Sprintf("doc-%d", i))
		require.NoError(t, err)
	}
	first, err := admin.ListTasks(ctx, quorumledgersdk.TaskQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.Equal(t, uint64(5), first.Items[0].ID)
	require.Equal(t, "4", first.NextCursor)

	seen := []uint64{first.Items[0].ID, first.Items[1].ID}
	cursor := first.NextCursor
	for cursor != "" {
		page, err := admin.ListTasks(ctx, quorumledgersdk.TaskQuery{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, item := range page.Items {
			seen = append(seen, item.ID)
		}
		cursor = page.NextCursor
	}
	require.Equal(t, []uint64{5, 4, 3, 2, 1}, seen)
}

func TestDevLoginAndMe(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := quorumledgersdk.New(s.URL)
	token, err := c.DevLogin(ctx, addr(1))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, addr(1), me.Address)
	require.Equal(t, "jwt", me.Source)
	require.ElementsMatch(t, []string{"admin", "creator", "approver", "executor"}, me.Roles)

	c.BearerToken = "garbage"
	_, err = c.Me(ctx)
	requireAPIError(t, err, http.StatusUnauthorized, "invalid_credentials")
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	secret := uuid.NewString()
	err := s.App.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:        uuid.NewString(),
		Address:   domain.Address(addr(1)),
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	c := quorumledgersdk.New(s.URL)
	c.APIKey = secret
	me, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "api_key", me.Source)

	c.APIKey = "wrong"
	_, err = c.Me(ctx)
	requireAPIError(t, err, http.StatusUnauthorized, "invalid_credentials")
}

func TestWebhookDelivery(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(s.App.Engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{domain.EventTaskCreated},
		Secret: "shh",
	}}, nil)
	d.Prime(ctx)

	admin := s.client(addr(1))
	task, err := admin.CreateTask(ctx, "operational", "")
	require.NoError(t, err)
	_, err = admin.ApproveTask(ctx, task.ID)
	require.NoError(t, err)

	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, domain.EventTaskCreated, got[0].Type)
	require.Equal(t, repo.TaskEntityID(task.ID), got[0].EntityID)
	require.Equal(t, "shh", headers[0].Get("X-Quorumledger-Secret"))
	require.NotEmpty(t, headers[0].Get("X-Quorumledger-Delivery"))
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	fail := true
	var delivered []int64
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		delivered = append(delivered, evt.ID)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(s.App.Engine.Repo, []config.WebhookConfig{{URL: hook.URL}}, nil)
	d.Prime(ctx)
	_, err := s.client(addr(1)).CreateTask(ctx, "administrative", "")
	require.NoError(t, err)

	d.DispatchOnce(ctx)
	mu.Lock()
	require.Empty(t, delivered)
	fail = false
	mu.Unlock()

	d.DispatchOnce(ctx)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
}
