// Package platform is the boundary to the remote analytics platform. The
// REST/session mechanics live behind the Client interface; the engine only
// needs to know that calls may fail and how failures classify.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/rudderlabs/ldm-writer/writer/model"
)

// Client is the narrow surface the built-in tasks need. Implementations are
// expected to handle their own session management and polling of the remote
// platform's asynchronous operations.
type Client interface {
	CreateProject(ctx context.Context, name, accessToken string) (projectID string, err error)
	DeleteProject(ctx context.Context, projectID string) error

	CreateUser(ctx context.Context, email, password string) (userID string, err error)
	DeleteUser(ctx context.Context, userID string) error
	AddUserToProject(ctx context.Context, projectID, userID, role string) error

	InviteUser(ctx context.Context, projectID, email, role string) (invitationID string, err error)
	InvitationAccepted(ctx context.Context, projectID, invitationID string) (bool, error)

	UpdateModel(ctx context.Context, projectID string, definition json.RawMessage) error
	OptimizeModel(ctx context.Context, projectID string) error

	// LoadTable dereferences the definition ref itself; the engine never
	// interprets it.
	LoadTable(ctx context.Context, projectID, tableID, definitionRef string) error
}

// APIError is a failed remote call with the HTTP status preserved so it can
// be classified.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api: %d: %s", e.StatusCode, e.Message)
}

// Classify maps a remote call failure onto the engine's error taxonomy:
// rate limits, server-side failures and transport-level failures (timeouts,
// resets, refused connections) are transient, 4xx responses mean the caller's
// input or configuration is wrong, anything else stays unclassified (treated
// as fatal by the executor).
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return model.NewTransientError(err)
		case apiErr.StatusCode >= 400:
			return model.NewUserError("%s", apiErr.Message)
		default:
			return err
		}
	}

	// no HTTP status means the request never completed; the remote may well
	// be healthy again by the next attempt
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return model.NewTransientError(err)
	}
	return err
}
