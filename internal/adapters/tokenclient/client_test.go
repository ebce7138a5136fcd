package tokenclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

func TestTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req core.TokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, domain.RoomName("room"), req.ChannelName)
		assert.Equal(t, domain.RolePublisher, req.Role)
		_ = json.NewEncoder(w).Encode(core.Credential{Token: "t", AppID: "app", Channel: req.ChannelName, UID: req.UID})
	}))
	defer srv.Close()

	cred, err := New(srv.URL, time.Second).Token(context.Background(), core.TokenRequest{ChannelName: "room", UID: 3, Role: domain.RolePublisher})
	require.NoError(t, err)
	assert.Equal(t, "t", cred.Token)
	assert.Equal(t, domain.ParticipantID(3), cred.UID)
}

func TestTokenServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid-argument","message":"bad channel"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Token(context.Background(), core.TokenRequest{ChannelName: "x", UID: 1})
	require.ErrorIs(t, err, domain.ErrTokenAcquisition)
	var te *domain.TokenError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.TokenInvalidArgument, te.Code)
	assert.Equal(t, "bad channel", te.Message)
}

func TestTokenNonJSONFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Token(context.Background(), core.TokenRequest{ChannelName: "x", UID: 1})
	var te *domain.TokenError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.TokenInternal, te.Code)
}

func TestTokenUnreachable(t *testing.T) {
	_, err := New("http://127.0.0.1:1/api/token", 200*time.Millisecond).Token(context.Background(), core.TokenRequest{ChannelName: "x", UID: 1})
	assert.ErrorIs(t, err, domain.ErrTokenAcquisition)
}
