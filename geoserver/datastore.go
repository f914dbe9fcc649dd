package geoserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/rs/zerolog/log"
)

// PostGISConnection holds the database coordinates as GeoServer sees them.
type PostGISConnection struct {
	Host     string
	Port     string
	Database string
	Schema   string
	User     string
	Password string
}

// PostGISParams returns the datastore connection parameters. The set is fixed,
// callers must not add or drop keys.
func PostGISParams(conn PostGISConnection) map[string]string {
	schema := conn.Schema
	if schema == "" {
		schema = "public"
	}
	return map[string]string{
		"dbtype":   "postgis",
		"host":     conn.Host,
		"port":     conn.Port,
		"database": conn.Database,
		"schema":   schema,
		"user":     conn.User,
		"passwd":   conn.Password,

		"Expose primary keys":                        "true",
		"encode functions":                           "true",
		"Loose bbox":                                 "true",
		"Estimated extends":                          "true",
		"Support on the fly geometry simplification": "true",
		"Method used to simplify geometries":         "PRESERVETOPOLOGY",
		"preparedStatements":                         "true",
		"validate connections":                       "true",
	}
}

// createDatastoreRestRequest represents the JSON required by GeoServer when creating a datastore.
type createDatastoreRestRequest struct {
	DataStore *restDatastore `json:"dataStore"`
}

type restDatastore struct {
	Name                 string                    `json:"name"`
	Description          string                    `json:"description,omitempty"`
	Enabled              bool                      `json:"enabled"`
	ConnectionParameters *restConnectionParameters `json:"connectionParameters"`
}

type restConnectionParameters struct {
	Entry []*restEntry `json:"entry"`
}

type restEntry struct {
	Key   string `json:"@key"`
	Value string `json:"$"`
}

func newCreateDatastoreRestRequest(name string, params map[string]string) *createDatastoreRestRequest {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]*restEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, &restEntry{Key: k, Value: params[k]})
	}
	return &createDatastoreRestRequest{
		DataStore: &restDatastore{
			Name:                 name,
			Enabled:              true,
			ConnectionParameters: &restConnectionParameters{Entry: entries},
		},
	}
}

// CreatePostGISDatastore creates a PostGIS datastore in the workspace.
func (c *Client) CreatePostGISDatastore(ctx context.Context, workspace, store string, conn PostGISConnection) error {
	if store == "" {
		return apperr.ErrValidation.Msg("store name is required")
	}
	body, err := json.Marshal(newCreateDatastoreRestRequest(store, PostGISParams(conn)))
	if err != nil {
		return apperr.ErrInternal.Msg("encode datastore request").Err(err)
	}
	req := request{method: http.MethodPost, path: rest("workspaces", workspace, "datastores"), contentType: applicationJSON, body: body}
	if _, err := c.call(ctx, req, http.StatusCreated); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("workspace", workspace).Str("store", store).Msg("postgis datastore created")
	return nil
}

// StoreExists checks whether a datastore or coveragestore exists.
func (c *Client) StoreExists(ctx context.Context, workspace, store, kind string) (bool, error) {
	collection, err := storeCollection(kind)
	if err != nil {
		return false, err
	}
	req := request{method: http.MethodGet, path: rest("workspaces", workspace, collection, store+".json")}
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

// DeleteStore deletes a datastore or coveragestore with everything published from it.
// A store that is already gone is not an error.
func (c *Client) DeleteStore(ctx context.Context, workspace, store, kind string) error {
	collection, err := storeCollection(kind)
	if err != nil {
		return err
	}
	req := request{method: http.MethodDelete, path: rest("workspaces", workspace, collection, store) + "?recurse=true"}
	if _, err := c.call(ctx, req, http.StatusOK, http.StatusNotFound); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("workspace", workspace).Str("store", store).Str("kind", kind).Msg("store deleted")
	return nil
}
