// Package powerbi executes DAX queries against the PowerBI REST API and
// manages the credentials needed to reach it.
package powerbi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dWassimeb/Talk4Finance/internal/errors"
	"github.com/dWassimeb/Talk4Finance/internal/logging"
)

// Record is a single result row: column names in engine order plus a
// name-to-value map. Null cells are Go nil.
type Record struct {
	Columns []string
	Values  map[string]interface{}
}

// ColumnSchema describes one column of a live table probe
type ColumnSchema struct {
	Name     string
	DataType string
}

// QueryError carries the engine's raw error text so callers can diagnose
// syntax problems from it.
type QueryError struct {
	StatusCode int
	Message    string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed with status %d: %s", e.StatusCode, e.Message)
}

// Executor is the query surface the agent tools depend on
type Executor interface {
	ExecuteQuery(ctx context.Context, dax string) ([]Record, error)
	ListTables(ctx context.Context) ([]string, error)
	DistinctValues(ctx context.Context, table, column string) ([]string, error)
	TableSchema(ctx context.Context, table string) ([]ColumnSchema, error)
}

// Client talks to the PowerBI REST API for a single dataset
type Client struct {
	httpClient *http.Client
	baseURL    string
	datasetID  string
	tokens     TokenSource
	timeout    time.Duration
}

// ClientConfig carries the settings for a Client
type ClientConfig struct {
	BaseURL   string
	DatasetID string
	Timeout   time.Duration
}

// NewClient creates a PowerBI client using the given token source
func NewClient(cfg ClientConfig, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		datasetID:  cfg.DatasetID,
		tokens:     tokens,
		timeout:    timeout,
	}
}

type executeQueriesRequest struct {
	Queries            []executeQuery     `json:"queries"`
	SerializerSettings serializerSettings `json:"serializerSettings"`
}

type executeQuery struct {
	Query string `json:"query"`
}

type serializerSettings struct {
	IncludeNulls bool `json:"includeNulls"`
}

type executeQueriesResponse struct {
	Results []struct {
		Tables []struct {
			Rows []json.RawMessage `json:"rows"`
		} `json:"tables"`
	} `json:"results"`
}

// ExecuteQuery runs a DAX query and reshapes the first result table into
// records. A 401 response invalidates the cached token and the request is
// retried once with a fresh one.
func (c *Client) ExecuteQuery(ctx context.Context, dax string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(executeQueriesRequest{
		Queries:            []executeQuery{{Query: dax}},
		SerializerSettings: serializerSettings{IncludeNulls: true},
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeInternal, "failed to encode query request")
	}

	endpoint := fmt.Sprintf("%s/datasets/%s/executeQueries", c.baseURL, c.datasetID)

	body, err := c.doWithAuth(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}

	var parsed executeQueriesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, errors.ErrTypePowerBIAPI, "failed to parse query response")
	}

	if len(parsed.Results) == 0 || len(parsed.Results[0].Tables) == 0 {
		return []Record{}, nil
	}

	rows := parsed.Results[0].Tables[0].Rows
	records := make([]Record, 0, len(rows))

	for _, raw := range rows {
		record, err := parseRecord(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrTypePowerBIAPI, "failed to parse result row")
		}

		records = append(records, record)
	}

	return records, nil
}

// ListTables returns the dataset's table names
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/datasets/%s/tables", c.baseURL, c.datasetID)

	body, err := c.doWithAuth(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Value []struct {
			Name string `json:"name"`
		} `json:"value"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, errors.ErrTypePowerBIAPI, "failed to parse tables response")
	}

	names := make([]string, 0, len(parsed.Value))
	for _, table := range parsed.Value {
		names = append(names, table.Name)
	}

	return names, nil
}

// DistinctValues returns the distinct non-null values of a column as strings
func (c *Client) DistinctValues(ctx context.Context, table, column string) ([]string, error) {
	dax := fmt.Sprintf("EVALUATE VALUES('%s'[%s])", table, column)

	records, err := c.ExecuteQuery(ctx, dax)
	if err != nil {
		return nil, err
	}

	values := make([]string, 0, len(records))

	for _, record := range records {
		for _, col := range record.Columns {
			if v := record.Values[col]; v != nil {
				values = append(values, fmt.Sprintf("%v", v))
			}
		}
	}

	return values, nil
}

// TableSchema probes a table with TOPN(1) and infers column names and types
// from the returned record.
func (c *Client) TableSchema(ctx context.Context, table string) ([]ColumnSchema, error) {
	dax := fmt.Sprintf("EVALUATE TOPN(1, %s)", table)

	records, err := c.ExecuteQuery(ctx, dax)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return []ColumnSchema{}, nil
	}

	record := records[0]
	schema := make([]ColumnSchema, 0, len(record.Columns))

	for _, col := range record.Columns {
		schema = append(schema, ColumnSchema{Name: col, DataType: inferDataType(record.Values[col])})
	}

	return schema, nil
}

func inferDataType(value interface{}) string {
	switch value.(type) {
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "string"
	}
}

// doWithAuth sends an authorized request, refreshing the token once on 401
func (c *Client) doWithAuth(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	status, body, err := c.do(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		logging.Debug("PowerBI returned 401, refreshing token and retrying")
		c.tokens.Invalidate()

		status, body, err = c.do(ctx, method, endpoint, payload)
		if err != nil {
			return nil, err
		}
	}

	if status != http.StatusOK {
		return nil, &QueryError{StatusCode: status, Message: string(body)}
	}

	return body, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, errors.Wrap(err, errors.ErrTypeInternal, "failed to build request")
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, errors.ErrTypeNetwork, "PowerBI request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrap(err, errors.ErrTypeNetwork, "failed to read PowerBI response")
	}

	return resp.StatusCode, body, nil
}

// parseRecord decodes a row object keeping the engine's column order
func parseRecord(raw json.RawMessage) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Record{}, err
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Record{}, fmt.Errorf("expected object, got %v", tok)
	}

	record := Record{Values: make(map[string]interface{})}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Record{}, err
		}

		key, ok := keyTok.(string)
		if !ok {
			return Record{}, fmt.Errorf("expected string key, got %v", keyTok)
		}

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return Record{}, err
		}

		if number, ok := value.(json.Number); ok {
			if f, err := number.Float64(); err == nil {
				value = f
			} else {
				value = number.String()
			}
		}

		record.Columns = append(record.Columns, key)
		record.Values[key] = value
	}

	return record, nil
}
