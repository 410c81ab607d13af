package utils

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Module is one named component of the system with its HTTP surface.
type Module struct {
	Name        string
	Server      *HTTPServer
	ConfigPath  string
	HandlerFunc map[string]map[string]HTTPHandlerFunc
}

// NewModule creates a module bound to its configuration file.
func NewModule(name string, configPath string) *Module {
	return &Module{
		Name:        name,
		ConfigPath:  configPath,
		HandlerFunc: make(map[string]map[string]HTTPHandlerFunc),
	}
}

// RegisterHandler registers a handler for a message type and operation.
func (m *Module) RegisterHandler(kind int, operation string, handler HTTPHandlerFunc) {
	key := strconv.Itoa(kind)
	if _, exists := m.HandlerFunc[key]; !exists {
		m.HandlerFunc[key] = make(map[string]HTTPHandlerFunc)
	}
	m.HandlerFunc[key][operation] = handler
}

// Dispatch routes a message to its registered handler, falling back to the
// "default" operation of the message type.
func (m *Module) Dispatch(msg *Message) (interface{}, error) {
	byOperation, exists := m.HandlerFunc[strconv.Itoa(msg.Type)]
	if !exists {
		return nil, fmt.Errorf("no handler for message type %d", msg.Type)
	}

	operation := msg.Operation
	if operation == "" {
		operation = "default"
	}

	handler, exists := byOperation[operation]
	if !exists {
		handler, exists = byOperation["default"]
		if !exists {
			slog.Error("No handler for operation", "type", msg.Type, "operation", operation)
			return nil, fmt.Errorf("no handler for operation %s", operation)
		}
	}

	return handler(msg)
}

// NewServer builds the module's HTTP server with every registered message
// type routed through Dispatch.
func (m *Module) NewServer(ip string, port int) *HTTPServer {
	m.Server = NewHTTPServer(ip, port, m.Name)

	for kindStr := range m.HandlerFunc {
		kind, err := strconv.Atoi(kindStr)
		if err != nil {
			slog.Error("Invalid message type", "type", kindStr, "error", err)
			continue
		}
		m.Server.RegisterHTTPHandler(kind, m.Dispatch)
	}
	return m.Server
}

// StartServer creates the module's HTTP server and serves it in the
// background.
func (m *Module) StartServer(ip string, port int) {
	server := m.NewServer(ip, port)

	go func() {
		err := server.Start()
		if err != nil {
			slog.Error("HTTP server stopped", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("HTTP server started", "module", m.Name, "address", fmt.Sprintf("%s:%d", ip, port))
}

// LoadConfig decodes a JSON configuration file into T.
func LoadConfig[T any](path string) (*T, error) {
	slog.Info("Loading configuration", "path", path)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %v", path, err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("opening config file %s: %v", absPath, err)
	}
	defer file.Close()

	var config T
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("decoding config file %s: %v", absPath, err)
	}

	slog.Info("Configuration loaded", "path", absPath)
	return &config, nil
}

// MustLoadConfig is LoadConfig for main packages: it exits on failure.
func MustLoadConfig[T any](path string) *T {
	config, err := LoadConfig[T](path)
	if err != nil {
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}
	return config
}
