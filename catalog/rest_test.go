package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TennyZhuang/icelake/spec"
)

type restTable struct {
	location string
	meta     *spec.TableMetadata
}

// restServer is a small REST catalog backed by a map. It applies commits
// with the same requirement and update helpers the client uses.
type restServer struct {
	mu        sync.Mutex
	tables    map[string]restTable
	token     string
	failWrite bool
}

func newRESTServer(t *testing.T) (*restServer, *httptest.Server) {
	s := &restServer{tables: make(map[string]restTable), token: "secret-token"}
	r := chi.NewRouter()
	r.Post("/v1/oauth/tokens", s.issueToken)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/config", s.config)
		r.Route("/v1/namespaces/{ns}/tables", func(r chi.Router) {
			r.Get("/", s.listTables)
			r.Post("/", s.createTable)
			r.Get("/{table}", s.loadTable)
			r.Head("/{table}", s.tableExists)
			r.Post("/{table}", s.commitTable)
			r.Delete("/{table}", s.dropTable)
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return s, srv
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, typ, msg string) {
	writeJSON(w, code, map[string]any{"error": map[string]any{"message": msg, "type": typ, "code": code}})
}

func (s *restServer) issueToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("client_secret") != "s3cr3t" || r.PostForm.Get("client_id") != "app" {
		writeError(w, http.StatusUnauthorized, "NotAuthorizedException", "bad credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": s.token, "token_type": "bearer"})
}

func (s *restServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "NotAuthorizedException", "missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *restServer) config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"defaults":  map[string]string{"write.format.default": "parquet"},
		"overrides": map[string]string{"warehouse": r.URL.Query().Get("warehouse")},
	})
}

func tableKey(r *http.Request) string {
	return chi.URLParam(r, "ns") + "." + chi.URLParam(r, "table")
}

func (s *restServer) respond(w http.ResponseWriter, t restTable) {
	writeJSON(w, http.StatusOK, map[string]any{"metadata-location": t.location, "metadata": t.meta})
}

func (s *restServer) listTables(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := chi.URLParam(r, "ns")
	var names []string
	for key := range s.tables {
		if n, ok := strings.CutPrefix(key, ns+"."); ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	ids := make([]map[string]any, 0, len(names))
	for _, n := range names {
		ids = append(ids, map[string]any{"namespace": []string{ns}, "name": n})
	}
	writeJSON(w, http.StatusOK, map[string]any{"identifiers": ids})
}

func (s *restServer) createTable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string              `json:"name"`
		Schema        *spec.Schema        `json:"schema"`
		PartitionSpec *spec.PartitionSpec `json:"partition-spec"`
		Properties    map[string]string   `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequestException", err.Error())
		return
	}
	ns := chi.URLParam(r, "ns")
	meta, err := spec.NewTableMetadata("mem://rest/"+ns+"/"+req.Name, req.Schema, req.PartitionSpec, nil, req.Properties)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequestException", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := ns + "." + req.Name
	if _, ok := s.tables[key]; ok {
		writeError(w, http.StatusConflict, "AlreadyExistsException", "table exists: "+key)
		return
	}
	t := restTable{location: NewMetadataLocation(meta.Location, 0), meta: meta}
	s.tables[key] = t
	s.respond(w, t)
}

func (s *restServer) loadTable(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableKey(r)]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchTableException", "no such table: "+tableKey(r))
		return
	}
	s.respond(w, t)
}

func (s *restServer) tableExists(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[tableKey(r)]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *restServer) commitTable(w http.ResponseWriter, r *http.Request) {
	var req CommitTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequestException", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		writeError(w, http.StatusServiceUnavailable, "ServiceUnavailableException", "backend down")
		return
	}
	t, ok := s.tables[tableKey(r)]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchTableException", "no such table: "+tableKey(r))
		return
	}
	if err := CheckRequirements(t.meta, req.Requirements); err != nil {
		writeError(w, http.StatusConflict, "CommitFailedException", err.Error())
		return
	}
	next, err := ApplyUpdates(t.meta, req.Updates)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequestException", err.Error())
		return
	}
	nt := restTable{location: NewMetadataLocation(next.Location, ParseMetadataVersion(t.location)+1), meta: next}
	s.tables[tableKey(r)] = nt
	s.respond(w, nt)
}

func (s *restServer) dropTable(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[tableKey(r)]; !ok {
		writeError(w, http.StatusNotFound, "NoSuchTableException", "no such table: "+tableKey(r))
		return
	}
	delete(s.tables, tableKey(r))
	w.WriteHeader(http.StatusNoContent)
}

func newTestRESTCatalog(t *testing.T, url string) *RESTCatalog {
	t.Helper()
	cat, err := NewRESTCatalog(context.Background(), RESTConfig{URI: url, Credential: "app:s3cr3t", Warehouse: "wh"})
	require.NoError(t, err)
	return cat
}

func withSnapshot(t *testing.T, base *TableVersion, id int64) *spec.TableMetadata {
	t.Helper()
	var parent *int64
	if cur := base.Metadata.CurrentSnapshot(); cur != nil {
		parent = &cur.SnapshotID
	}
	next, err := spec.NewMetadataBuilder(base.Metadata).
		AddSnapshot(spec.Snapshot{
			SnapshotID:       id,
			ParentSnapshotID: parent,
			SequenceNumber:   base.Metadata.LastSequenceNumber + 1,
			TimestampMs:      base.Metadata.LastUpdatedMs + id,
			ManifestList:     "mem://rest/db/events/metadata/snap.avro",
			Summary:          &spec.Summary{Operation: spec.OpAppend},
		}).
		SetCurrentSnapshot(id).
		Build()
	require.NoError(t, err)
	return next
}

func TestRESTCatalogLifecycle(t *testing.T) {
	ctx := context.Background()
	_, srv := newRESTServer(t)
	cat := newTestRESTCatalog(t, srv.URL)

	created, err := cat.CreateTable(ctx, eventsID, testSchema(),
		WithPartitionSpec(spec.NewPartitionSpecBuilder(0).Identity(2, "category").Build()),
		WithProperties(map[string]string{"owner": "etl"}))
	require.NoError(t, err)
	assert.Equal(t, "mem://rest/db/events", created.Metadata.Location)

	_, err = cat.CreateTable(ctx, eventsID, testSchema())
	assert.ErrorIs(t, err, ErrTableExists)

	tables, err := cat.ListTables(ctx, Namespace{"db"})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, eventsID.String(), tables[0].String())

	exists, err := cat.TableExists(ctx, eventsID)
	require.NoError(t, err)
	assert.True(t, exists)

	v2, err := cat.CommitTable(ctx, created, withSnapshot(t, created, 1))
	require.NoError(t, err)
	require.NotNil(t, v2.Metadata.CurrentSnapshot())
	assert.Equal(t, int64(1), v2.Metadata.CurrentSnapshot().SnapshotID)
	assert.Equal(t, 1, ParseMetadataVersion(v2.MetadataLocation))

	next := withProperty(t, v2, "owner", "ops")
	next, err = spec.NewMetadataBuilder(next).RemoveProperties("missing").Build()
	require.NoError(t, err)
	v3, err := cat.CommitTable(ctx, v2, next)
	require.NoError(t, err)
	assert.Equal(t, "ops", v3.Metadata.Property("owner", ""))

	loaded, err := cat.LoadTable(ctx, eventsID)
	require.NoError(t, err)
	assert.Equal(t, v3.MetadataLocation, loaded.MetadataLocation)

	same, err := cat.CommitTable(ctx, loaded, loaded.Metadata)
	require.NoError(t, err)
	assert.Equal(t, loaded.MetadataLocation, same.MetadataLocation)

	require.NoError(t, cat.DropTable(ctx, eventsID, false))
	_, err = cat.LoadTable(ctx, eventsID)
	assert.ErrorIs(t, err, spec.ErrNotFound)
	exists, err = cat.TableExists(ctx, eventsID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRESTCatalogCommitConflict(t *testing.T) {
	ctx := context.Background()
	_, srv := newRESTServer(t)
	cat := newTestRESTCatalog(t, srv.URL)

	base, err := cat.CreateTable(ctx, eventsID, testSchema())
	require.NoError(t, err)

	_, err = cat.CommitTable(ctx, base, withSnapshot(t, base, 1))
	require.NoError(t, err)

	// The second writer's base still has no main branch.
	_, err = cat.CommitTable(ctx, base, withSnapshot(t, base, 2))
	assert.ErrorIs(t, err, ErrCommitConflict)
}

func TestRESTCatalogErrors(t *testing.T) {
	ctx := context.Background()
	state, srv := newRESTServer(t)

	_, err := NewRESTCatalog(ctx, RESTConfig{URI: srv.URL, Credential: "app:wrong"})
	assert.ErrorIs(t, err, spec.ErrTransport)

	_, err = NewRESTCatalog(ctx, RESTConfig{})
	assert.ErrorIs(t, err, spec.ErrValidation)

	cat := newTestRESTCatalog(t, srv.URL)
	_, err = cat.LoadTable(ctx, eventsID)
	var nf *spec.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "table", nf.Kind)

	base, err := cat.CreateTable(ctx, eventsID, testSchema())
	require.NoError(t, err)
	state.mu.Lock()
	state.failWrite = true
	state.mu.Unlock()
	_, err = cat.CommitTable(ctx, base, withSnapshot(t, base, 1))
	assert.ErrorIs(t, err, spec.ErrTransport)
	assert.False(t, spec.IsRetryable(err), "commit outcome is unknown after a server error")

	unauth, err := NewRESTCatalog(ctx, RESTConfig{URI: srv.URL, Token: "wrong"})
	require.NoError(t, err)
	_, err = unauth.LoadTable(ctx, eventsID)
	assert.ErrorIs(t, err, spec.ErrTransport)
	assert.False(t, spec.IsRetryable(err))
}

func TestRESTCatalogConfig(t *testing.T) {
	_, srv := newRESTServer(t)
	cat := newTestRESTCatalog(t, srv.URL)
	cfg, err := cat.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "parquet", cfg["write.format.default"])
	assert.Equal(t, "wh", cfg["warehouse"])
}

func TestRequirementsEncodeMissingRef(t *testing.T) {
	meta, err := spec.NewTableMetadata("mem://t", testSchema(), nil, nil, nil)
	require.NoError(t, err)
	data, err := json.Marshal(Requirements(meta))
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"ref":"main","snapshot-id":null,"type":"assert-ref-snapshot-id"}`)
	assert.Contains(t, string(data), `"type":"assert-table-uuid"`)

	var back []TableRequirement
	require.NoError(t, json.Unmarshal(data, &back))
	assert.NoError(t, CheckRequirements(meta, back))
}

func TestDiffMetadataRoundTrip(t *testing.T) {
	base, err := spec.NewTableMetadata("mem://t", testSchema(), nil, nil, map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	evolved, last, err := base.CurrentSchema().Evolve(base.LastColumnID, spec.AddColumn("", "note", spec.StringType, ""))
	require.NoError(t, err)

	next, err := spec.NewMetadataBuilder(base).
		AddSchema(evolved, last).
		SetCurrentSchema(-1).
		AddPartitionSpec(spec.NewPartitionSpecBuilder(0).StartAt(base.LastPartitionID).Identity(2, "category").Build()).
		SetDefaultSpec(-1).
		SetProperties(map[string]string{"a": "changed", "c": "3"}).
		RemoveProperties("b").
		Build()
	require.NoError(t, err)

	updates := DiffMetadata(base, next)
	actions := make([]string, len(updates))
	for i, u := range updates {
		actions[i] = u.Action
	}
	assert.Equal(t, []string{"add-schema", "set-current-schema", "add-spec", "set-default-spec", "set-properties", "remove-properties"}, actions)

	data, err := json.Marshal(updates)
	require.NoError(t, err)
	var decoded []TableUpdate
	require.NoError(t, json.Unmarshal(data, &decoded))

	applied, err := ApplyUpdates(base, decoded)
	require.NoError(t, err)
	assert.Equal(t, next.CurrentSchemaID, applied.CurrentSchemaID)
	assert.Equal(t, next.LastColumnID, applied.LastColumnID)
	assert.Equal(t, next.DefaultSpecID, applied.DefaultSpecID)
	assert.Equal(t, map[string]string{"a": "changed", "c": "3"}, applied.Properties)
	assert.Empty(t, DiffMetadata(next, applied))
}

