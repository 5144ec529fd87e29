package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/drossel-lang/keel/internal/events"
	"github.com/drossel-lang/keel/internal/proc"
)

// Client talks to the inspection API for the watch TUI.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// Health mirrors the /healthz response.
type Health struct {
	Status      string `json:"status"`
	UptimeSecs  int64  `json:"uptime_secs"`
	Live        int    `json:"live"`
	TotalSpawns int    `json:"total_spawns"`
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *Client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchHealth queries /healthz.
func (c *Client) FetchHealth() (Health, error) {
	var h Health
	err := c.get("/healthz", &h)
	return h, err
}

// FetchProcesses queries the live process snapshots.
func (c *Client) FetchProcesses() ([]proc.Snapshot, error) {
	var body struct {
		Processes []proc.Snapshot `json:"processes"`
	}
	err := c.get("/v1/processes", &body)
	return body.Processes, err
}

// StreamEvents connects to the SSE endpoint and feeds parsed events into ch
// until the connection drops.
func (c *Client) StreamEvents(ch chan<- events.Event) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/events", nil)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	// Streaming request: no client timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("/events: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	var seq int64
	var typ, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				ch <- events.Event{Seq: seq, Type: typ, At: time.Now(), Data: []byte(data)}
				seq, typ, data = 0, "", ""
			}
		case strings.HasPrefix(line, "id: "):
			fmt.Sscanf(line[4:], "%d", &seq)
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
	return scanner.Err()
}
