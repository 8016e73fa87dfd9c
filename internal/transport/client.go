package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/synapse-mesh/synapse-relay/internal/engine"
)

type Client struct {
	socketPath string
	http       *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		},
	}
}

type RelayRequest struct {
	SignalType      string         `json:"signal_type"`
	TargetServers   []string       `json:"target_servers"`
	Payload         map[string]any `json:"payload,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	RetryOnFail     *bool          `json:"retry_on_fail,omitempty"`
	BufferIfOffline *bool          `json:"buffer_if_offline,omitempty"`
}

func (c *Client) RelaySignal(req RelayRequest) (*engine.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.post("/relay", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var res engine.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &res, nil
}

type ConfigureRequest struct {
	Action        string         `json:"action"`
	RuleID        *int64         `json:"rule_id,omitempty"`
	SignalPattern string         `json:"signal_pattern,omitempty"`
	SourceFilter  *string        `json:"source_filter,omitempty"`
	RelayTo       []string       `json:"relay_to,omitempty"`
	Transform     map[string]any `json:"transform,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
}

type ConfigureResponse struct {
	RuleID  int64          `json:"rule_id"`
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Rules   []RuleResponse `json:"rules,omitempty"`
}

func (c *Client) ConfigureRelay(req ConfigureRequest) (*ConfigureResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.post("/rules", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out ConfigureResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) GetRelayStats(sinceMs, untilMs int64, groupBy string) (*StatsResponse, error) {
	path := "/stats?"
	if sinceMs > 0 {
		path += fmt.Sprintf("since=%d&", sinceMs)
	}
	if untilMs > 0 {
		path += fmt.Sprintf("until=%d&", untilMs)
	}
	if groupBy != "" {
		path += "group_by=" + groupBy + "&"
	}
	resp, err := c.get(path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

type BufferRequest struct {
	Action       string   `json:"action"`
	BufferIDs    []string `json:"buffer_ids,omitempty"`
	TargetServer string   `json:"target_server,omitempty"`
	SignalType   string   `json:"signal_type,omitempty"`
	MaxAgeHours  *float64 `json:"max_age_hours,omitempty"`
	Status       string   `json:"status,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

func (c *Client) BufferSignals(req BufferRequest) (*BufferResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.post("/buffer", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out BufferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// HTTP helpers

func (c *Client) get(path string) (*http.Response, error) {
	return c.http.Get("http://synapse" + path)
}

func (c *Client) post(path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	return c.http.Post("http://synapse"+path, "application/json", r)
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}
