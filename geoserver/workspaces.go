package geoserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/rs/zerolog/log"
)

// Workspace is the client's standard representation of a GeoServer workspace.
type Workspace struct {
	Name string
	Href string
}

// createWorkspaceRestRequest is a REST request to create a workspace,
// only the name is required.
type createWorkspaceRestRequest struct {
	Workspace *restWorkspace `json:"workspace"`
}

type getWorkspacesRestResponse struct {
	Workspaces *restWorkspaces `json:"workspaces,omitempty"`
}

type restWorkspaces struct {
	Workspace []*restWorkspace `json:"workspace,omitempty"`
}

type restWorkspace struct {
	Name string `json:"name,omitempty"`
	Href string `json:"href,omitempty"`
}

// WorkspaceExists returns true when the workspace exists on GeoServer.
func (c *Client) WorkspaceExists(ctx context.Context, workspace string) (bool, error) {
	req := request{method: http.MethodGet, path: rest("workspaces", workspace+".json")}
	resp, err := c.do(ctx, req)
	if err != nil {
		return false, err
	}
	switch resp.status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, expect(ctx, req, resp, http.StatusOK)
}

// GetWorkspaces lists the available workspaces.
func (c *Client) GetWorkspaces(ctx context.Context) ([]Workspace, error) {
	req := request{method: http.MethodGet, path: rest("workspaces.json")}
	resp, err := c.call(ctx, req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	restResponse := &getWorkspacesRestResponse{Workspaces: &restWorkspaces{}}
	if err := json.Unmarshal(resp.body, restResponse); err != nil {
		// GeoServer returns {"workspaces":""} when there are no workspaces
		log.Ctx(ctx).Debug().Str("responseBody", string(resp.body)).Msg("geoserver returned no workspaces")
		return []Workspace{}, nil
	}
	workspaces := make([]Workspace, 0)
	if restResponse.Workspaces != nil {
		for _, ws := range restResponse.Workspaces.Workspace {
			if ws != nil {
				workspaces = append(workspaces, Workspace{Name: ws.Name, Href: ws.Href})
			}
		}
	}
	return workspaces, nil
}

// EnsureWorkspace creates the workspace when it does not exist yet.
// Confirmed workspaces are cached for a short while, concurrent calls for
// the same name share one round trip.
func (c *Client) EnsureWorkspace(ctx context.Context, workspace string) error {
	if workspace == "" {
		return apperr.ErrValidation.Msg("workspace name is required")
	}
	if c.workspaceCached(workspace) {
		return nil
	}
	_, err, _ := c.group.Do(workspace, func() (any, error) {
		exists, err := c.WorkspaceExists(ctx, workspace)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := c.CreateWorkspace(ctx, workspace); err != nil {
				return nil, err
			}
		}
		c.mu.Lock()
		c.workspaces[workspace] = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

func (c *Client) workspaceCached(workspace string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.workspaces[workspace]
	if !ok {
		return false
	}
	if time.Since(at) > c.workspaceTTL {
		delete(c.workspaces, workspace)
		return false
	}
	return true
}

// CreateWorkspace creates a workspace.
func (c *Client) CreateWorkspace(ctx context.Context, workspace string) error {
	body, err := json.Marshal(&createWorkspaceRestRequest{Workspace: &restWorkspace{Name: workspace}})
	if err != nil {
		return apperr.ErrInternal.Msg("encode workspace request").Err(err)
	}
	req := request{method: http.MethodPost, path: rest("workspaces"), contentType: applicationJSON, body: body}
	if _, err := c.call(ctx, req, http.StatusCreated); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("workspace", workspace).Msg("workspace created")
	return nil
}

// DeleteWorkspace deletes a workspace and everything in it.
func (c *Client) DeleteWorkspace(ctx context.Context, workspace string) error {
	c.mu.Lock()
	delete(c.workspaces, workspace)
	c.mu.Unlock()
	req := request{method: http.MethodDelete, path: rest("workspaces", workspace) + "?recurse=true"}
	_, err := c.call(ctx, req, http.StatusOK, http.StatusNotFound)
	return err
}
