// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr             = "MCP_BRIDGE_LISTEN_ADDR"
	envServersFile            = "MCP_BRIDGE_CONFIG"
	envServerName             = "MCP_BRIDGE_SERVER"
	envLogLevel               = "MCP_LOG_LEVEL"
	envServerReadTimeout      = "MCP_SERVER_READ_TIMEOUT"
	envServerWriteTimeout     = "MCP_SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout      = "MCP_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown       = "MCP_GRACEFUL_SHUTDOWN"
	envKeepAlive              = "MCP_BRIDGE_KEEPALIVE"
	envReadRetryDelay         = "MCP_BRIDGE_READ_RETRY_DELAY"
	envMaxReadRetries         = "MCP_BRIDGE_MAX_READ_RETRIES"
	envMaxBodyBytes           = "MCP_BRIDGE_MAX_BODY_BYTES"
	envMaxFrameBytes          = "MCP_BRIDGE_MAX_FRAME_BYTES"
	envQueueLimit             = "MCP_BRIDGE_QUEUE_LIMIT"
	defaultListenAddr         = "0.0.0.0:8090"
	defaultServersFile        = "config.json"
	defaultServerName         = "atlassian"
	defaultLogLevel           = "info"
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerWriteTimeout = 0 // event streams stay open indefinitely
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
	defaultKeepAlive          = 25 * time.Second
	defaultReadRetryDelay     = 100 * time.Millisecond
	defaultMaxReadRetries     = 50
	defaultMaxBodyBytes       = 4 << 20
	defaultMaxFrameBytes      = 64 << 20
	defaultQueueLimit         = 0
)

// Config captures runtime settings for the bridge.
type Config struct {
	ListenAddr              string
	ServersFile             string
	ServerName              string
	LogLevel                string
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
	KeepAliveInterval       time.Duration
	ReadRetryDelay          time.Duration
	MaxReadRetries          int
	MaxBodyBytes            int64
	MaxFrameBytes           int
	QueueLimit              int
}

// Load reads runtime settings from environment variables, falling back to
// defaults for anything unset or unparsable.
func Load() Config {
	return Config{
		ListenAddr:              getString(envListenAddr, defaultListenAddr),
		ServersFile:             getString(envServersFile, defaultServersFile),
		ServerName:              getString(envServerName, defaultServerName),
		LogLevel:                strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		ServerReadTimeout:       getDuration(envServerReadTimeout, defaultServerReadTimeout),
		ServerWriteTimeout:      getDuration(envServerWriteTimeout, defaultServerWriteTimeout),
		ServerIdleTimeout:       getDuration(envServerIdleTimeout, defaultServerIdleTimeout),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
		KeepAliveInterval:       getDuration(envKeepAlive, defaultKeepAlive),
		ReadRetryDelay:          getDuration(envReadRetryDelay, defaultReadRetryDelay),
		MaxReadRetries:          getInt(envMaxReadRetries, defaultMaxReadRetries),
		MaxBodyBytes:            int64(getInt(envMaxBodyBytes, defaultMaxBodyBytes)),
		MaxFrameBytes:           getInt(envMaxFrameBytes, defaultMaxFrameBytes),
		QueueLimit:              getInt(envQueueLimit, defaultQueueLimit),
	}
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
