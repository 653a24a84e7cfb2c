package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
)

// HTTPClient makes REST calls to the dashboard server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8090").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Health is the /healthz response.
type Health struct {
	Status            string `json:"status"`
	UpstreamConnected *bool  `json:"upstreamConnected,omitempty"`
	BrowserClients    int    `json:"browserClients"`
	ContainerVersion  uint64 `json:"containerVersion"`
	Stale             bool   `json:"stale"`
}

// GetKPIs fetches /api/kpis, the last snapshot the dashboard rendered.
func (c *HTTPClient) GetKPIs() ([]kpi.DeviceKPI, error) {
	var raw json.RawMessage
	if err := c.get("/api/kpis", &raw); err != nil {
		return nil, err
	}
	return kpi.Decode(raw)
}

// GetHealth fetches /healthz.
func (c *HTTPClient) GetHealth() (*Health, error) {
	var h Health
	if err := c.get("/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// KPIsMsg is the result of FetchKPIs.
type KPIsMsg struct {
	Devices []kpi.DeviceKPI
	Err     error
}

// FetchKPIs returns a command fetching the current snapshot.
func (c *HTTPClient) FetchKPIs() tea.Cmd {
	return func() tea.Msg {
		devices, err := c.GetKPIs()
		return KPIsMsg{Devices: devices, Err: err}
	}
}

func (c *HTTPClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
