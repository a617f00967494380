// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

var (
	// ErrConfigNotFound reports a missing servers file.
	ErrConfigNotFound = errors.New("server configuration not found")
	// ErrNoServers reports a servers file without any mcpServers entries.
	ErrNoServers = errors.New("no servers found in configuration")
	// ErrInvalidServer reports an entry that cannot be launched.
	ErrInvalidServer = errors.New("invalid server entry")
)

// Server describes the stdio MCP server the bridge launches.
type Server struct {
	Name    string            `json:"-"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

type serversFile struct {
	MCPServers json.RawMessage `json:"mcpServers"`
}

// LoadServer reads the servers file at path and selects the entry called name,
// or the first entry in document order when no entry has that name.
func LoadServer(path, name string) (Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Server{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return Server{}, fmt.Errorf("read %s: %w", path, err)
	}

	servers, err := ParseServers(data)
	if err != nil {
		return Server{}, fmt.Errorf("parse %s: %w", path, err)
	}

	return SelectServer(servers, name)
}

// ParseServers decodes the mcpServers mapping, keeping document order.
func ParseServers(data []byte) ([]Server, error) {
	var doc serversFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	raw := bytes.TrimSpace(doc.MCPServers)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("mcpServers must be an object")
	}

	var servers []Server
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)

		var server Server
		if err := dec.Decode(&server); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		server.Name = name
		servers = append(servers, server)
	}

	return servers, nil
}

// SelectServer picks the entry called name, falling back to the first entry.
func SelectServer(servers []Server, name string) (Server, error) {
	if len(servers) == 0 {
		return Server{}, ErrNoServers
	}

	selected := servers[0]
	for _, server := range servers {
		if server.Name == name {
			selected = server
			break
		}
	}

	if strings.TrimSpace(selected.Command) == "" {
		return Server{}, fmt.Errorf("%w: %q has no command", ErrInvalidServer, selected.Name)
	}
	return selected, nil
}
