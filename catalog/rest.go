package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/spec"
)

// RESTConfig configures a REST catalog client.
type RESTConfig struct {
	URI        string            `yaml:"uri"`
	Prefix     string            `yaml:"prefix"`
	Warehouse  string            `yaml:"warehouse"`
	Token      string            `yaml:"token"`
	Credential string            `yaml:"credential"`
	Timeout    time.Duration     `yaml:"timeout"`
	Properties map[string]string `yaml:"properties"`

	// HTTPClient replaces the default client. Timeout is ignored when set.
	HTTPClient *http.Client `yaml:"-"`
}

// RESTCatalog implements the Iceberg REST Catalog API. The server owns the
// metadata files; commits send requirements and updates and the server
// performs the compare-and-swap.
type RESTCatalog struct {
	opts       options
	uri        string
	prefix     string
	warehouse  string
	client     *http.Client
	token      string
	properties map[string]string
}

// NewRESTCatalog creates a REST catalog client. A credential of the form
// "client_id:client_secret" is exchanged for a token when no token is
// configured.
func NewRESTCatalog(ctx context.Context, cfg RESTConfig, opts ...Option) (*RESTCatalog, error) {
	if cfg.URI == "" {
		return nil, spec.Validationf("REST catalog requires a uri")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	c := &RESTCatalog{
		opts:       newOptions("rest", opts),
		uri:        strings.TrimSuffix(cfg.URI, "/"),
		prefix:     strings.Trim(cfg.Prefix, "/"),
		warehouse:  cfg.Warehouse,
		client:     client,
		token:      cfg.Token,
		properties: make(map[string]string),
	}
	for k, v := range cfg.Properties {
		c.properties[k] = v
	}

	if c.token == "" && cfg.Credential != "" {
		tok, err := c.FetchToken(ctx, cfg.Credential)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch token: %w", err)
		}
		c.token = tok.AccessToken
	}
	return c, nil
}

// Name returns the catalog name.
func (c *RESTCatalog) Name() string {
	return c.opts.name
}

// doRequest executes an HTTP request.
func (c *RESTCatalog) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.uri+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if c.warehouse != "" {
		q := req.URL.Query()
		q.Set("warehouse", c.warehouse)
		req.URL.RawQuery = q.Encode()
	}

	c.opts.logger.Debug("rest request", zap.String("method", method), zap.String("path", path))
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &spec.TransportError{Operation: method, Location: c.uri + path, Retryable: true, Cause: err}
	}

	return resp, nil
}

// restError is the error body of the REST protocol.
type restError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// parseResponse parses an HTTP response.
func parseResponse[T any](resp *http.Response, v *T) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &spec.TransportError{Operation: "read response", Retryable: true, Cause: err}
	}

	if resp.StatusCode >= 400 {
		return statusError(resp, body)
	}

	if v != nil && len(body) > 0 {
		if err := json.Unmarshal(body, v); err != nil {
			return &spec.CodecError{Document: "rest response", Cause: err}
		}
	}

	return nil
}

// statusError maps a failed response onto the error taxonomy.
func statusError(resp *http.Response, body []byte) error {
	var errResp restError
	msg := strings.TrimSpace(string(body))
	typ := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
		typ = errResp.Error.Type
	}
	cause := fmt.Errorf("REST API error: status %d: %s", resp.StatusCode, msg)

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		kind := "resource"
		switch typ {
		case "NoSuchTableException":
			kind = "table"
		case "NoSuchNamespaceException":
			kind = "namespace"
		}
		return &spec.NotFoundError{Kind: kind, Key: msg}
	case code == http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, ErrCommitConflict)
	case code == http.StatusBadRequest:
		return spec.Validationf("%s", msg)
	case code == http.StatusTooManyRequests || code >= 500:
		return &spec.TransportError{Operation: resp.Request.Method, Location: resp.Request.URL.Path, Retryable: true, Cause: cause}
	default:
		return &spec.TransportError{Operation: resp.Request.Method, Location: resp.Request.URL.Path, Cause: cause}
	}
}

func (c *RESTCatalog) base() string {
	if c.prefix == "" {
		return "/v1"
	}
	return "/v1/" + c.prefix
}

// namespacePath returns the API path for a namespace. Levels are joined by
// the unit separator.
func (c *RESTCatalog) namespacePath(ns Namespace) string {
	return c.base() + "/namespaces/" + url.PathEscape(strings.Join(ns, "\x1f"))
}

// tablePath returns the API path for a table.
func (c *RESTCatalog) tablePath(id TableIdentifier) string {
	return c.namespacePath(id.Namespace) + "/tables/" + url.PathEscape(id.Name)
}

// ListNamespaces lists all namespaces.
func (c *RESTCatalog) ListNamespaces(ctx context.Context, parent Namespace) ([]Namespace, error) {
	path := c.base() + "/namespaces"
	if len(parent) > 0 {
		path += "?parent=" + url.QueryEscape(strings.Join(parent, "\x1f"))
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Namespaces [][]string `json:"namespaces"`
	}
	if err := parseResponse(resp, &result); err != nil {
		return nil, err
	}

	namespaces := make([]Namespace, len(result.Namespaces))
	for i, ns := range result.Namespaces {
		namespaces[i] = Namespace(ns)
	}

	return namespaces, nil
}

// CreateNamespace creates a new namespace.
func (c *RESTCatalog) CreateNamespace(ctx context.Context, namespace Namespace, properties map[string]string) error {
	body := map[string]any{
		"namespace":  namespace,
		"properties": properties,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, c.base()+"/namespaces", body)
	if err != nil {
		return err
	}

	return parseResponse(resp, (*any)(nil))
}

// DropNamespace drops a namespace.
func (c *RESTCatalog) DropNamespace(ctx context.Context, namespace Namespace) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, c.namespacePath(namespace), nil)
	if err != nil {
		return err
	}

	return parseResponse(resp, (*any)(nil))
}

// ListTables lists all tables in a namespace.
func (c *RESTCatalog) ListTables(ctx context.Context, namespace Namespace) ([]TableIdentifier, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.namespacePath(namespace)+"/tables", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Identifiers []struct {
			Namespace []string `json:"namespace"`
			Name      string   `json:"name"`
		} `json:"identifiers"`
	}
	if err := parseResponse(resp, &result); err != nil {
		return nil, err
	}

	tables := make([]TableIdentifier, len(result.Identifiers))
	for i, id := range result.Identifiers {
		tables[i] = TableIdentifier{
			Namespace: Namespace(id.Namespace),
			Name:      id.Name,
		}
	}

	return tables, nil
}

// loadTableResult is the body of load, create and commit responses.
type loadTableResult struct {
	MetadataLocation string          `json:"metadata-location"`
	Metadata         json.RawMessage `json:"metadata"`
}

func (r *loadTableResult) version(id TableIdentifier) (*TableVersion, error) {
	if len(r.Metadata) == 0 {
		return nil, &spec.CodecError{Document: "rest response", Field: "metadata", Cause: errors.New("missing")}
	}
	meta, err := spec.ParseTableMetadata(r.Metadata)
	if err != nil {
		return nil, spec.AtLocation(err, r.MetadataLocation)
	}
	return &TableVersion{Identifier: id, MetadataLocation: r.MetadataLocation, Metadata: meta}, nil
}

// CreateTable creates a new table.
func (c *RESTCatalog) CreateTable(ctx context.Context, identifier TableIdentifier, schema *spec.Schema, opts ...CreateTableOption) (*TableVersion, error) {
	cfg := newCreateTableConfig(opts)

	body := map[string]any{
		"name":   identifier.Name,
		"schema": schema,
	}

	if cfg.PartitionSpec != nil {
		body["partition-spec"] = cfg.PartitionSpec
	}
	if cfg.SortOrder != nil {
		body["write-order"] = cfg.SortOrder
	}
	if cfg.Location != "" {
		body["location"] = cfg.Location
	}
	if len(cfg.Properties) > 0 {
		body["properties"] = cfg.Properties
	}

	resp, err := c.doRequest(ctx, http.MethodPost, c.namespacePath(identifier.Namespace)+"/tables", body)
	if err != nil {
		return nil, err
	}

	var result loadTableResult
	if err := parseResponse(resp, &result); err != nil {
		if errors.Is(err, ErrCommitConflict) {
			return nil, ErrTableExists
		}
		return nil, err
	}

	return result.version(identifier)
}

// LoadTable loads a table's metadata.
func (c *RESTCatalog) LoadTable(ctx context.Context, identifier TableIdentifier) (*TableVersion, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.tablePath(identifier), nil)
	if err != nil {
		return nil, err
	}

	var result loadTableResult
	if err := parseResponse(resp, &result); err != nil {
		return nil, err
	}

	return result.version(identifier)
}

// TableExists checks if a table exists.
func (c *RESTCatalog) TableExists(ctx context.Context, identifier TableIdentifier) (bool, error) {
	resp, err := c.doRequest(ctx, http.MethodHead, c.tablePath(identifier), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, statusError(resp, nil)
	}

	return true, nil
}

// DropTable drops a table.
func (c *RESTCatalog) DropTable(ctx context.Context, identifier TableIdentifier, purge bool) error {
	path := c.tablePath(identifier)
	if purge {
		path += "?purgeRequested=true"
	}

	resp, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	return parseResponse(resp, (*any)(nil))
}

// RenameTable renames a table.
func (c *RESTCatalog) RenameTable(ctx context.Context, from, to TableIdentifier) error {
	body := map[string]any{
		"source": map[string]any{
			"namespace": from.Namespace,
			"name":      from.Name,
		},
		"destination": map[string]any{
			"namespace": to.Namespace,
			"name":      to.Name,
		},
	}

	resp, err := c.doRequest(ctx, http.MethodPost, c.base()+"/tables/rename", body)
	if err != nil {
		return err
	}

	return parseResponse(resp, (*any)(nil))
}

// CommitTableRequest is the body of a table commit.
type CommitTableRequest struct {
	Identifier struct {
		Namespace []string `json:"namespace"`
		Name      string   `json:"name"`
	} `json:"identifier"`
	Requirements []TableRequirement `json:"requirements"`
	Updates      []TableUpdate      `json:"updates"`
}

// CommitTable sends next as updates over base with requirements pinning
// base. A failed requirement comes back as 409 and ErrCommitConflict. A
// server error leaves the commit state unknown and is not retryable.
func (c *RESTCatalog) CommitTable(ctx context.Context, base *TableVersion, next *spec.TableMetadata) (*TableVersion, error) {
	if base.Metadata == nil {
		return nil, spec.Validationf("REST commit of %s needs the base metadata", base.Identifier)
	}
	var body CommitTableRequest
	body.Identifier.Namespace = base.Identifier.Namespace
	body.Identifier.Name = base.Identifier.Name
	body.Requirements = Requirements(base.Metadata)
	body.Updates = DiffMetadata(base.Metadata, next)
	if len(body.Updates) == 0 {
		return base, nil
	}

	resp, err := c.doRequest(ctx, http.MethodPost, c.tablePath(base.Identifier), body)
	if err != nil {
		return nil, err
	}

	var result loadTableResult
	if err := parseResponse(resp, &result); err != nil {
		var te *spec.TransportError
		if errors.As(err, &te) && te.Retryable {
			te.Retryable = false
			c.opts.logger.Warn("commit state unknown", zap.String("table", base.Identifier.String()), zap.Error(err))
		}
		return nil, err
	}

	return result.version(base.Identifier)
}

// OAuth2TokenResponse represents an OAuth2 token response.
type OAuth2TokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	IssuedTokenType string `json:"issued_token_type"`
}

// FetchToken exchanges a client credential for a token.
func (c *RESTCatalog) FetchToken(ctx context.Context, credential string) (*OAuth2TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", "catalog")
	if id, secret, ok := strings.Cut(credential, ":"); ok {
		form.Set("client_id", id)
		form.Set("client_secret", secret)
	} else {
		form.Set("client_secret", credential)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri+"/v1/oauth/tokens", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &spec.TransportError{Operation: "token", Location: req.URL.String(), Retryable: true, Cause: err}
	}

	var token OAuth2TokenResponse
	if err := parseResponse(resp, &token); err != nil {
		return nil, err
	}

	return &token, nil
}

// Config retrieves catalog configuration. A "prefix" override is applied
// to later requests.
func (c *RESTCatalog) Config(ctx context.Context) (map[string]string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/config", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Defaults  map[string]string `json:"defaults"`
		Overrides map[string]string `json:"overrides"`
	}
	if err := parseResponse(resp, &result); err != nil {
		return nil, err
	}

	config := make(map[string]string)
	for k, v := range c.properties {
		config[k] = v
	}
	for k, v := range result.Defaults {
		config[k] = v
	}
	for k, v := range result.Overrides {
		config[k] = v
	}
	if p, ok := config["prefix"]; ok {
		c.prefix = strings.Trim(p, "/")
	}

	return config, nil
}
