package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

// API is the REST implementation of Client. It authenticates every call with
// a bearer token; the remote side owns sessions and async operation polling.
type API struct {
	logger logger.Logger
	client *http.Client

	baseURL   string
	authToken string
}

func NewAPI(conf *config.Config, log logger.Logger) *API {
	return &API{
		logger: log.Child("platform"),
		client: &http.Client{
			Timeout: conf.GetDuration("Writer.platform.requestTimeout", 60, time.Second),
		},
		baseURL:   conf.GetString("Writer.platform.baseURL", "http://localhost:8080"),
		authToken: conf.GetString("Writer.platform.authToken", ""),
	}
}

func (a *API) CreateProject(ctx context.Context, name, accessToken string) (string, error) {
	body, err := a.do(ctx, http.MethodPost, "/v1/projects", map[string]any{
		"name":        name,
		"accessToken": accessToken,
	})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "id").String(), nil
}

func (a *API) DeleteProject(ctx context.Context, projectID string) error {
	_, err := a.do(ctx, http.MethodDelete, "/v1/projects/"+projectID, nil)
	return err
}

func (a *API) CreateUser(ctx context.Context, email, password string) (string, error) {
	body, err := a.do(ctx, http.MethodPost, "/v1/users", map[string]any{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "id").String(), nil
}

func (a *API) DeleteUser(ctx context.Context, userID string) error {
	_, err := a.do(ctx, http.MethodDelete, "/v1/users/"+userID, nil)
	return err
}

func (a *API) AddUserToProject(ctx context.Context, projectID, userID, role string) error {
	_, err := a.do(ctx, http.MethodPost, "/v1/projects/"+projectID+"/members", map[string]any{
		"userId": userID,
		"role":   role,
	})
	return err
}

func (a *API) InviteUser(ctx context.Context, projectID, email, role string) (string, error) {
	body, err := a.do(ctx, http.MethodPost, "/v1/projects/"+projectID+"/invitations", map[string]any{
		"email": email,
		"role":  role,
	})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "id").String(), nil
}

func (a *API) InvitationAccepted(ctx context.Context, projectID, invitationID string) (bool, error) {
	body, err := a.do(ctx, http.MethodGet, "/v1/projects/"+projectID+"/invitations/"+invitationID, nil)
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(body, "status").String() == "accepted", nil
}

func (a *API) UpdateModel(ctx context.Context, projectID string, definition json.RawMessage) error {
	_, err := a.do(ctx, http.MethodPut, "/v1/projects/"+projectID+"/model", definition)
	return err
}

func (a *API) OptimizeModel(ctx context.Context, projectID string) error {
	_, err := a.do(ctx, http.MethodPost, "/v1/projects/"+projectID+"/model/optimize", nil)
	return err
}

func (a *API) LoadTable(ctx context.Context, projectID, tableID, definitionRef string) error {
	_, err := a.do(ctx, http.MethodPost, "/v1/projects/"+projectID+"/tables/"+tableID+"/load", map[string]any{
		"definitionRef": definitionRef,
	})
	return err
}

func (a *API) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { httputil.CloseResponse(resp) }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := gjson.GetBytes(body, "error").String()
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	return body, nil
}

var _ Client = (*API)(nil)
