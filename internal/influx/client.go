// Package influx talks to the InfluxDB v1 HTTP API. It reads the usage
// history the cloud sites push and appends the credits history written
// by the billing engine.
package influx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/billing"
	"github.com/oscredits/credits-plane/internal/config"
	"github.com/oscredits/credits-plane/internal/lineprotocol"
	"github.com/oscredits/credits-plane/internal/metering"
)

// ErrHistoryDBMissing signals that the credits history database does
// not exist. It is never created automatically since retention policies
// are an operator decision.
var ErrHistoryDBMissing = errors.New("credits history database does not exist")

// Client queries and writes InfluxDB over its v1 HTTP API.
type Client struct {
	baseURL   string
	database  string
	historyDB string
	username  string
	password  string
	http      *http.Client
	logger    *zap.Logger
}

// NewClient creates a client from the service configuration.
func NewClient(cfg config.InfluxConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		database:  cfg.Database,
		historyDB: cfg.HistoryDB,
		username:  cfg.Username,
		password:  cfg.Password,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// series is one result table of a query response.
type series struct {
	Name    string  `json:"name"`
	Columns []string `json:"columns"`
	Values  [][]any `json:"values"`
}

type queryResponse struct {
	Results []struct {
		Series []series `json:"series"`
		Err    string   `json:"error"`
	} `json:"results"`
	Err string `json:"error"`
}

func (c *Client) query(ctx context.Context, db, q string) ([]series, error) {
	params := url.Values{}
	params.Set("db", db)
	params.Set("q", q)
	params.Set("epoch", "ns")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/query?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	c.auth(req)

	c.logger.Debug("influxdb query", zap.String("db", db), zap.String("query", q))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying influxdb: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("influxdb query returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var qr queryResponse
	if err := dec.Decode(&qr); err != nil {
		return nil, fmt.Errorf("decoding influxdb response: %w", err)
	}
	if qr.Err != "" {
		return nil, fmt.Errorf("influxdb query failed: %s", qr.Err)
	}

	var out []series
	for _, r := range qr.Results {
		if r.Err != "" {
			return nil, fmt.Errorf("influxdb query failed: %s", r.Err)
		}
		out = append(out, r.Series...)
	}
	return out, nil
}

func (c *Client) write(ctx context.Context, db, line string) error {
	params := url.Values{}
	params.Set("db", db)
	params.Set("precision", "ns")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/write?"+params.Encode(), strings.NewReader(line))
	if err != nil {
		return fmt.Errorf("building write request: %w", err)
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("writing to influxdb: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("influxdb write returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

// EnsureHistoryDB verifies that the credits history database exists.
func (c *Client) EnsureHistoryDB(ctx context.Context) error {
	res, err := c.query(ctx, "", "SHOW DATABASES")
	if err != nil {
		return err
	}
	for _, s := range res {
		for _, row := range s.Values {
			if len(row) == 1 {
				if name, ok := row[0].(string); ok && name == c.historyDB {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("%w: %q", ErrHistoryDBMissing, c.historyDB)
}

// PreviousMeasurements returns the usage values of the measurement's
// metric for its project, newest first, dropping everything older than
// since. InfluxQL has no clean parameter binding, so the project name is
// escaped before it is embedded in the query.
func (c *Client) PreviousMeasurements(ctx context.Context, m metering.Measurement, since time.Time) ([]billing.TimedValue, error) {
	q := fmt.Sprintf("SELECT * FROM %q WHERE project_name = '%s' ORDER BY time DESC",
		m.Metric.Name, sanitizeParameter(m.ProjectName))

	res, err := c.query(ctx, c.database, q)
	if err != nil {
		return nil, err
	}

	var out []billing.TimedValue
	for _, s := range res {
		timeIdx, valueIdx := columnIndex(s.Columns, "time"), columnIndex(s.Columns, "value")
		if timeIdx < 0 || valueIdx < 0 {
			return nil, fmt.Errorf("measurement %q: response misses time or value column", m.Metric.Name)
		}
		for _, row := range s.Values {
			ts, err := decodeTime(row[timeIdx])
			if err != nil {
				return nil, fmt.Errorf("measurement %q: %w", m.Metric.Name, err)
			}
			if ts.Before(since) {
				// Rows arrive newest first, everything from here on is
				// older than we care about.
				break
			}
			value, err := decodeDecimal(row[valueIdx])
			if err != nil {
				return nil, fmt.Errorf("measurement %q: %w", m.Metric.Name, err)
			}
			out = append(out, billing.TimedValue{Timestamp: ts, Value: value})
		}
	}
	return out, nil
}

// WriteBillingHistory appends one record to the credits history
// database. The project name is the measurement, the metric identity
// travels as tags.
func (c *Client) WriteBillingHistory(ctx context.Context, rec billing.HistoryRecord) error {
	line := lineprotocol.Encode(lineprotocol.Point{
		Name: rec.Project,
		Tags: map[string]string{
			"metric_name":          rec.MetricName,
			"metric_friendly_name": rec.MetricFriendlyName,
		},
		Fields: map[string]string{
			"credits_left": rec.CreditsLeft.String(),
		},
		Timestamp: rec.Timestamp,
	})
	return c.write(ctx, c.historyDB, line)
}

// BillingHistory returns the billing records of a project since the
// given time, newest first.
func (c *Client) BillingHistory(ctx context.Context, project string, since time.Time) ([]billing.HistoryRecord, error) {
	q := fmt.Sprintf("SELECT * FROM %q WHERE time >= %d ORDER BY time DESC",
		sanitizeParameter(project), since.UnixNano())

	res, err := c.query(ctx, c.historyDB, q)
	if err != nil {
		return nil, err
	}

	var out []billing.HistoryRecord
	for _, s := range res {
		timeIdx := columnIndex(s.Columns, "time")
		creditsIdx := columnIndex(s.Columns, "credits_left")
		nameIdx := columnIndex(s.Columns, "metric_name")
		friendlyIdx := columnIndex(s.Columns, "metric_friendly_name")
		if timeIdx < 0 || creditsIdx < 0 {
			return nil, fmt.Errorf("history of %q: response misses time or credits_left column", project)
		}
		for _, row := range s.Values {
			ts, err := decodeTime(row[timeIdx])
			if err != nil {
				return nil, fmt.Errorf("history of %q: %w", project, err)
			}
			credits, err := decodeDecimal(row[creditsIdx])
			if err != nil {
				return nil, fmt.Errorf("history of %q: %w", project, err)
			}
			rec := billing.HistoryRecord{
				Project:     project,
				Timestamp:   ts,
				CreditsLeft: credits,
			}
			if nameIdx >= 0 {
				rec.MetricName, _ = row[nameIdx].(string)
			}
			if friendlyIdx >= 0 {
				rec.MetricFriendlyName, _ = row[friendlyIdx].(string)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// sanitizeParameter escapes characters that would let user supplied
// content break out of an InfluxQL string literal. Rather too strict
// than an injection.
func sanitizeParameter(param string) string {
	var b strings.Builder
	for _, r := range param {
		switch r {
		case '\'', '"', '\\', ';', ' ', ',':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func decodeTime(v any) (time.Time, error) {
	n, ok := v.(json.Number)
	if !ok {
		return time.Time{}, fmt.Errorf("expected numeric timestamp, got %T", v)
	}
	ns, err := n.Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %s: %w", n, err)
	}
	return time.Unix(0, ns).UTC(), nil
}

func decodeDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case json.Number:
		return decimal.NewFromString(x.String())
	case string:
		return decimal.NewFromString(x)
	default:
		return decimal.Decimal{}, fmt.Errorf("expected numeric value, got %T", v)
	}
}
