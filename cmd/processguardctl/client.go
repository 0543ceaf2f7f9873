package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIClient talks to a running processguardd's REST control plane.
type APIClient struct {
	baseURL   string
	client    *http.Client
	authToken string
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *APIClient) SetAuthToken(token string) { c.authToken = token }

func (c *APIClient) doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return c.client.Do(req)
}

func (c *APIClient) handleErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	if errResp.Error != "" {
		return fmt.Errorf("API error: %s", errResp.Error)
	}
	return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
}

func (c *APIClient) doJSON(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	resp, err := c.doRequest(method, path, rdr)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) IsReachable() bool {
	resp, err := c.doRequest(http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return true
}

func (c *APIClient) ListProcesses() (any, error) {
	var out any
	return out, c.doJSON(http.MethodGet, "/processes", nil, &out)
}

func (c *APIClient) GetProcess(name string) (any, error) {
	var out any
	return out, c.doJSON(http.MethodGet, "/processes/"+url.PathEscape(name), nil, &out)
}

func (c *APIClient) RegisterProcess(spec any) error {
	return c.doJSON(http.MethodPost, "/processes", spec, nil)
}

func (c *APIClient) DeleteProcess(name string) error {
	return c.doJSON(http.MethodDelete, "/processes/"+url.PathEscape(name), nil, nil)
}

func (c *APIClient) StartProcess(name string, ignoreDependencies bool) error {
	path := "/processes/" + url.PathEscape(name) + "/start"
	if ignoreDependencies {
		path += "?ignore_dependencies=true"
	}
	return c.doJSON(http.MethodPost, path, nil, nil)
}

func (c *APIClient) StopProcess(name string, force bool) error {
	path := "/processes/" + url.PathEscape(name) + "/stop"
	if force {
		path += "?force=true"
	}
	return c.doJSON(http.MethodPost, path, nil, nil)
}

func (c *APIClient) RestartProcess(name string, force, ignoreDependencies bool) error {
	path := "/processes/" + url.PathEscape(name) + "/restart"
	if force || ignoreDependencies {
		q := url.Values{}
		if force {
			q.Set("force", "true")
		}
		if ignoreDependencies {
			q.Set("ignore_dependencies", "true")
		}
		path += "?" + q.Encode()
	}
	return c.doJSON(http.MethodPost, path, nil, nil)
}

func (c *APIClient) ForceEnable(name string) error {
	return c.doJSON(http.MethodPost, "/processes/"+url.PathEscape(name)+"/force-enable", nil, nil)
}

func (c *APIClient) ResetCrashes(name string) error {
	return c.doJSON(http.MethodPost, "/processes/"+url.PathEscape(name)+"/reset-crashes", nil, nil)
}

func (c *APIClient) CrashStats(name string) (any, error) {
	var out any
	return out, c.doJSON(http.MethodGet, "/processes/"+url.PathEscape(name)+"/crash-stats", nil, &out)
}

func (c *APIClient) RecentLogs(name string, lines int) (any, error) {
	path := "/processes/" + url.PathEscape(name) + "/logs/recent"
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	var out any
	return out, c.doJSON(http.MethodGet, path, nil, &out)
}

func (c *APIClient) ListAlerts(activeOnly bool) (any, error) {
	path := "/alerts"
	if activeOnly {
		path += "?active_only=true"
	}
	var out any
	return out, c.doJSON(http.MethodGet, path, nil, &out)
}

func (c *APIClient) AcknowledgeAlert(id string) error {
	return c.doJSON(http.MethodPost, "/alerts/"+url.PathEscape(id)+"/acknowledge", nil, nil)
}

func (c *APIClient) ResolveAlert(id string) error {
	return c.doJSON(http.MethodPost, "/alerts/"+url.PathEscape(id)+"/resolve", nil, nil)
}

func (c *APIClient) SystemInfo() (any, error) {
	var out any
	return out, c.doJSON(http.MethodGet, "/system/info", nil, &out)
}
