package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/app/token"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

func newRouter(t *testing.T, limiter *signal.KeyedLimiter) (*gin.Engine, *token.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	tokens := token.NewService("secret", "test", "meet", time.Hour)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Channels: app.NewChannelManager(),
		Relays:   sfu.NewRelayManager(reg),
		Tokens:   tokens,
		AppID:    "meet",
		Metrics:  orch.NewMetrics(reg),
	}
	cfg := &config.Config{Mode: "test", Secret: "cookie-secret"}
	r := SetupRouter(context.Background(), cfg, Deps{
		Orch:         o,
		Signal:       signal.NewSignalWSController(o, nil),
		Tokens:       tokens,
		TokenLimiter: limiter,
		Gatherer:     reg,
	})
	o.Channels.GetOrCreate("standup").AddMember("s1", core.NewMemberSession(domain.NewMember(5, "acct", "standup", domain.RolePublisher)))
	return r, tokens
}

func post(r http.Handler, body string, cookie string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "ct", Value: cookie})
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIssueToken(t *testing.T) {
	r, tokens := newRouter(t, nil)

	w := post(r, `{"channelName":"standup","uid":42,"role":"publisher"}`, "client-1")
	require.Equal(t, http.StatusOK, w.Code)

	var cred core.Credential
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cred))
	assert.Equal(t, "meet", cred.AppID)
	assert.Equal(t, domain.RoomName("standup"), cred.Channel)
	assert.Equal(t, domain.ParticipantID(42), cred.UID)

	claims, err := tokens.Verify(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.Subject)
	assert.True(t, claims.Admits("meet", "standup", 42))
}

func TestIssueTokenSetsClientCookie(t *testing.T) {
	r, _ := newRouter(t, nil)
	w := post(r, `{"channelName":"standup","uid":1}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "ct=")
}

func TestIssueTokenRejectsBadInput(t *testing.T) {
	r, _ := newRouter(t, nil)

	for _, body := range []string{
		`{"channelName":"bad name!","uid":1}`,
		`{"channelName":"standup","uid":0}`,
		`{"channelName":"standup","uid":1,"role":"admin"}`,
		`not json`,
	} {
		w := post(r, body, "c")
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		var te domain.TokenError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &te), body)
		assert.Equal(t, domain.TokenInvalidArgument, te.Code, body)
		assert.NotEmpty(t, te.Message, body)
	}
}

func TestIssueTokenRateLimited(t *testing.T) {
	r, _ := newRouter(t, signal.NewKeyedLimiter(0.001, 2, time.Minute))
	body := `{"channelName":"standup","uid":1}`
	assert.Equal(t, http.StatusOK, post(r, body, "c").Code)
	assert.Equal(t, http.StatusOK, post(r, body, "c").Code)
	assert.Equal(t, http.StatusTooManyRequests, post(r, body, "c").Code)
	assert.Equal(t, http.StatusOK, post(r, body, "other").Code)
}

func TestChannelEndpoints(t *testing.T) {
	r, _ := newRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/channels", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []core.ChannelInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, []core.ChannelInfo{{Name: "standup", MemberCount: 1}}, list)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/channels/standup/members", nil))
	var members []core.MemberDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &members))
	assert.Equal(t, []core.MemberDTO{{ID: 5, AccountID: "acct"}}, members)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/channels/nobody/members", nil))
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newRouter(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "meet_sfu_relays_active")
}
