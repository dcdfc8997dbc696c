package platform_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/platform"
)

func TestAPI(t *testing.T) {
	ctx := context.Background()

	newAPI := func(t testing.TB, handler http.HandlerFunc) *platform.API {
		t.Helper()

		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)

		conf := config.New()
		conf.Set("Writer.platform.baseURL", srv.URL)
		conf.Set("Writer.platform.authToken", "tok-1")

		return platform.NewAPI(conf, logger.NOP)
	}

	t.Run("create project", func(t *testing.T) {
		api := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/projects", r.URL.Path)
			require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			require.Equal(t, "Analytics", payload["name"])

			_, _ = w.Write([]byte(`{"id": "remote-1"}`))
		})

		projectID, err := api.CreateProject(ctx, "Analytics", "")
		require.NoError(t, err)
		require.Equal(t, "remote-1", projectID)
	})

	t.Run("error responses carry the status and message", func(t *testing.T) {
		api := newAPI(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error": "token expired"}`))
		})

		_, err := api.CreateProject(ctx, "Analytics", "")
		var apiErr *platform.APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
		require.Equal(t, "token expired", apiErr.Message)
	})

	t.Run("request timeouts classify as transient", func(t *testing.T) {
		blocked := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			<-blocked
		}))
		t.Cleanup(func() {
			close(blocked)
			srv.Close()
		})

		conf := config.New()
		conf.Set("Writer.platform.baseURL", srv.URL)
		conf.Set("Writer.platform.requestTimeout", "100ms")
		api := platform.NewAPI(conf, logger.NOP)

		_, err := api.CreateProject(ctx, "Analytics", "")
		require.Error(t, err)
		require.True(t, model.IsTransientError(platform.Classify(err)),
			"a timed out remote call must be retried, not recorded as a terminal failure")
	})

	t.Run("invitation status", func(t *testing.T) {
		api := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/projects/remote-1/invitations/inv-1", r.URL.Path)
			_, _ = w.Write([]byte(`{"status": "accepted"}`))
		})

		accepted, err := api.InvitationAccepted(ctx, "remote-1", "inv-1")
		require.NoError(t, err)
		require.True(t, accepted)
	})
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		transient bool
		user      bool
	}{
		{name: "nil", err: nil},
		{name: "rate limited", err: &platform.APIError{StatusCode: 429}, transient: true},
		{name: "server error", err: &platform.APIError{StatusCode: 502}, transient: true},
		{name: "bad request", err: &platform.APIError{StatusCode: 400}, user: true},
		{name: "forbidden", err: &platform.APIError{StatusCode: 403}, user: true},
		{name: "unclassified", err: errors.New("boom")},
		{name: "wrapped api error", err: fmt.Errorf("calling: %w", &platform.APIError{StatusCode: 500}), transient: true},
		{name: "deadline exceeded", err: fmt.Errorf("POST /v1/projects: %w", context.DeadlineExceeded), transient: true},
		{name: "connection refused", err: fmt.Errorf("POST /v1/projects: %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")}), transient: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			classified := platform.Classify(tc.err)
			if tc.err == nil {
				require.NoError(t, classified)
				return
			}
			require.Equal(t, tc.transient, model.IsTransientError(classified))
			require.Equal(t, tc.user, model.IsUserError(classified))
		})
	}
}
