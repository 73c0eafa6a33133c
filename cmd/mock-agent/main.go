// Command mock-agent runs a scripted agent against a running agentplane
// server. It registers itself over the HTTP API, consumes dispatches from its
// bus task topic and replies with canned results, which makes it useful for
// local development and end-to-end testing without real model-backed agents.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

func main() {
	var (
		agentID    = flag.String("id", "", "agent id (default mock-<random>)")
		typeID     = flag.String("type", "research_agent", "agent type id to register under")
		name       = flag.String("name", "", "display name (default derived from id)")
		serverURL  = flag.String("server", "http://localhost:8080", "agentplane server base URL")
		natsURL    = flag.String("nats", "nats://localhost:4222", "NATS server URL")
		capacity   = flag.Int("capacity", 2, "concurrent task capacity to advertise")
		confidence = flag.Float64("confidence", 0.9, "confidence reported on completed tasks")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevel, Format: "text", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	id := *agentID
	if id == "" {
		id = "mock-" + uuid.New().String()[:8]
	}
	displayName := *name
	if displayName == "" {
		displayName = "Mock Agent " + id
	}

	eventBus, err := bus.New(config.BusConfig{
		Type:          "nats",
		URL:           *natsURL,
		ClientID:      id,
		MaxReconnects: 10,
		QueueDepth:    256,
		HistoryDepth:  256,
	}, log)
	if err != nil {
		log.Fatal("bus connection failed", zap.String("url", *natsURL), zap.Error(err))
	}
	defer eventBus.Close()

	agent := NewMockAgent(id, *confidence, eventBus, log)
	if err := agent.Start(); err != nil {
		log.Fatal("agent start failed", zap.Error(err))
	}
	defer agent.Stop()

	if err := register(*serverURL, v1.RegisterAgentRequest{
		ID:       id,
		TypeID:   *typeID,
		Name:     displayName,
		Capacity: *capacity,
	}); err != nil {
		log.Fatal("registration failed", zap.String("server", *serverURL), zap.Error(err))
	}
	log.Info("registered with server",
		zap.String("agent_id", id),
		zap.String("type_id", *typeID),
		zap.Int("capacity", *capacity))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down", zap.Int("tasks_handled", agent.Handled()))
	if err := unregister(*serverURL, id); err != nil {
		log.Warn("unregister failed", zap.Error(err))
	}
}

func register(baseURL string, req v1.RegisterAgentRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/api/v1/agents", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func unregister(baseURL, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		baseURL+"/api/v1/agents/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
