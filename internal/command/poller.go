// Package command implements the agent side of the remote command channel:
// polling the collector for pending commands, driving each through the
// executing/completed/failed state machine, and reporting results back.
//
// Commands are not retried: if a status update fails mid-flow the failure is
// logged and the command's server-side status stays whatever was last
// written. Re-running a half-executed command blindly is worse than leaving
// it visible in a stale state.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bc-dunia/fleetmon/internal/model"
)

const requestTimeout = 10 * time.Second

// Executor performs the effect of one command type. The pipeline carries
// command records through their lifecycle; what "restart" actually does to
// the OS lives behind this interface.
type Executor interface {
	// Execute runs the command and returns a result line for the dashboard.
	Execute(ctx context.Context, commandType string) (result string, err error)
}

// Poller fetches and executes pending commands for one machine.
type Poller struct {
	baseURL     string
	machineName string
	executor    Executor
	client      *http.Client
	logger      *slog.Logger
}

// NewPoller creates a Poller against the collector at baseURL (no trailing
// slash). A nil logger discards output.
func NewPoller(baseURL, machineName string, executor Executor, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Poller{
		baseURL:     baseURL,
		machineName: machineName,
		executor:    executor,
		client:      &http.Client{Timeout: requestTimeout},
		logger:      logger,
	}
}

// Poll fetches pending commands and executes each in creation order. A fetch
// failure aborts the whole poll; per-command failures are reported to the
// collector and do not stop later commands.
func (p *Poller) Poll(ctx context.Context) error {
	commands, err := p.fetchPending(ctx)
	if err != nil {
		return fmt.Errorf("fetching pending commands: %w", err)
	}

	for _, cmd := range commands {
		p.execute(ctx, cmd)
	}
	return nil
}

func (p *Poller) fetchPending(ctx context.Context) ([]model.CommandView, error) {
	endpoint := fmt.Sprintf("%s/api/v1/machines/%s/commands/pending",
		p.baseURL, url.PathEscape(p.machineName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collector responded with status %d", resp.StatusCode)
	}

	var commands []model.CommandView
	if err := json.NewDecoder(resp.Body).Decode(&commands); err != nil {
		return nil, fmt.Errorf("decoding command list: %w", err)
	}
	return commands, nil
}

func (p *Poller) execute(ctx context.Context, cmd model.CommandView) {
	p.logger.Info("command_executing", "command_id", cmd.ID, "command_type", cmd.CommandType)

	if err := p.updateStatus(ctx, cmd.ID, model.CommandStatusExecuting, nil); err != nil {
		p.logger.Warn("command_status_update_failed",
			"command_id", cmd.ID, "status", model.CommandStatusExecuting, "error", err.Error())
		return
	}

	result, err := p.executor.Execute(ctx, cmd.CommandType)
	if err != nil {
		msg := err.Error()
		p.logger.Warn("command_failed", "command_id", cmd.ID, "error", msg)
		if updErr := p.updateStatus(ctx, cmd.ID, model.CommandStatusFailed, &msg); updErr != nil {
			p.logger.Warn("command_status_update_failed",
				"command_id", cmd.ID, "status", model.CommandStatusFailed, "error", updErr.Error())
		}
		return
	}

	if err := p.updateStatus(ctx, cmd.ID, model.CommandStatusCompleted, &result); err != nil {
		p.logger.Warn("command_status_update_failed",
			"command_id", cmd.ID, "status", model.CommandStatusCompleted, "error", err.Error())
		return
	}
	p.logger.Info("command_completed", "command_id", cmd.ID, "result", result)
}

func (p *Poller) updateStatus(ctx context.Context, id int64, status string, result *string) error {
	endpoint := fmt.Sprintf("%s/api/v1/commands/%d/status", p.baseURL, id)

	body, err := json.Marshal(model.CommandStatusUpdate{Status: status, Result: result})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status update rejected with status %d", resp.StatusCode)
	}
	return nil
}
