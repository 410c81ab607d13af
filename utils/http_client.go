package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Message is the envelope exchanged between modules.
type Message struct {
	Type      int         `json:"type"`
	Operation string      `json:"operation"`
	Origin    string      `json:"origin"`
	Data      interface{} `json:"data"`
}

// HTTPClient talks to another module's HTTPServer.
type HTTPClient struct {
	BaseURL string
	Name    string
	client  *http.Client
}

// NewHTTPClient creates a client for the module at ip:port.
func NewHTTPClient(ip string, port int, name string) *HTTPClient {
	return NewHTTPClientURL(fmt.Sprintf("http://%s:%d", ip, port), name)
}

// NewHTTPClientURL creates a client for a base URL.
func NewHTTPClientURL(baseURL string, name string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Name:    name,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SendMessage posts a message and decodes the JSON response.
func (c *HTTPClient) SendMessage(kind int, operation string, data interface{}) (interface{}, error) {
	msg := Message{
		Type:      kind,
		Operation: operation,
		Origin:    c.Name,
		Data:      data,
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("error serializing message: %v", err)
	}

	resp, err := c.client.Post(
		fmt.Sprintf("%s/message", c.BaseURL),
		"application/json",
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return nil, fmt.Errorf("error sending HTTP message: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unsuccessful HTTP response: %d - %s", resp.StatusCode, string(bytes.TrimSpace(bodyBytes)))
	}

	var result interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("error decoding response: %v", err)
	}

	return result, nil
}

// CheckConnection asks the remote module for its health status.
func (c *HTTPClient) CheckConnection() error {
	resp, err := c.client.Get(fmt.Sprintf("%s/health", c.BaseURL))
	if err != nil {
		return fmt.Errorf("error checking connection with %s: %v", c.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status checking connection: %d", resp.StatusCode)
	}

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("error decoding health response: %v", err)
	}

	slog.Info("Connection verified", "target", c.BaseURL, "module", result["module"])
	return nil
}
