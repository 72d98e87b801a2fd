package sandbox

import (
	"context"
	"time"

	"github.com/untoldecay/CodeLoom/internal/types"
)

// FilePayload is one file written to or read from the sandbox fs.
type FilePayload struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// DeployArgs configures a deploy call.
type DeployArgs struct {
	Files         []FilePayload `json:"files,omitempty"`
	Redeploy      bool          `json:"redeploy,omitempty"`
	ClearLogs     bool          `json:"clear_logs,omitempty"`
	CommitMessage string        `json:"commit_message,omitempty"`
}

// DeployResult is the outcome of a deploy.
type DeployResult struct {
	SessionID  string `json:"session_id,omitempty"`
	PreviewURL string `json:"preview_url"`
	TunnelURL  string `json:"tunnel_url,omitempty"`
}

// Deploy pushes files to the sandbox and (re)starts the preview. With
// Redeploy set the service may allocate a fresh session; the returned
// SessionID is authoritative.
func (c *Client) Deploy(ctx context.Context, sessionID string, args DeployArgs) (*DeployResult, error) {
	var result DeployResult
	if err := c.call(ctx, sessionID, OpDeploy, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetFilesResult is a sandbox file read.
type GetFilesResult struct {
	Success bool          `json:"success"`
	Files   []FilePayload `json:"files"`
	Error   string        `json:"error,omitempty"`
}

// GetFiles reads paths from the sandbox filesystem.
func (c *Client) GetFiles(ctx context.Context, sessionID string, paths []string) (*GetFilesResult, error) {
	args := struct {
		Paths []string `json:"paths"`
	}{Paths: paths}
	var result GetFilesResult
	if err := c.call(ctx, sessionID, OpGetFiles, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// WriteFiles writes files to the sandbox filesystem.
func (c *Client) WriteFiles(ctx context.Context, sessionID string, files []FilePayload, message string) error {
	args := struct {
		Files   []FilePayload `json:"files"`
		Message string        `json:"message,omitempty"`
	}{Files: files, Message: message}
	return c.call(ctx, sessionID, OpWriteFiles, args, nil)
}

// ExecResult is the outcome of a command batch.
type ExecResult struct {
	Success bool                  `json:"success"`
	Results []types.CommandResult `json:"results"`
}

// ExecuteCommands runs a command batch in the sandbox. timeoutMs of 0
// uses the client default.
func (c *Client) ExecuteCommands(ctx context.Context, sessionID string, commands []string, timeoutMs int) (*ExecResult, error) {
	args := struct {
		Commands  []string `json:"commands"`
		TimeoutMs int      `json:"timeout_ms,omitempty"`
	}{Commands: commands, TimeoutMs: timeoutMs}

	timeout := c.timeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	var result ExecResult
	if err := c.callWithTimeout(ctx, sessionID, OpExecuteCommands, args, &result, timeout); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunStaticAnalysis lints and typechecks the given files, or the
// whole project when files is empty.
func (c *Client) RunStaticAnalysis(ctx context.Context, sessionID string, files []string) (*types.StaticAnalysis, error) {
	args := struct {
		Files []string `json:"files,omitempty"`
	}{Files: files}
	var result types.StaticAnalysis
	if err := c.call(ctx, sessionID, OpStaticAnalysis, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchRuntimeErrors returns captured runtime errors. With clear=true
// the sandbox drains its buffer.
func (c *Client) FetchRuntimeErrors(ctx context.Context, sessionID string, clear bool) ([]types.RuntimeError, error) {
	args := struct {
		Clear bool `json:"clear"`
	}{Clear: clear}
	var result struct {
		Errors []types.RuntimeError `json:"errors"`
	}
	if err := c.call(ctx, sessionID, OpRuntimeErrors, args, &result); err != nil {
		return nil, err
	}
	return result.Errors, nil
}

// LogsResult is a log read.
type LogsResult struct {
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

// GetLogs reads sandbox process logs. Logs are cumulative unless
// reset=true.
func (c *Client) GetLogs(ctx context.Context, sessionID string, reset bool, durationSeconds int) (*LogsResult, error) {
	args := struct {
		Reset           bool `json:"reset,omitempty"`
		DurationSeconds int  `json:"duration_seconds,omitempty"`
	}{Reset: reset, DurationSeconds: durationSeconds}
	var result LogsResult
	if err := c.call(ctx, sessionID, OpGetLogs, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// InstanceStatus reports sandbox session health.
type InstanceStatus struct {
	IsHealthy bool `json:"is_healthy"`
	Success   bool `json:"success"`
}

// GetInstanceStatus checks whether the session is healthy.
func (c *Client) GetInstanceStatus(ctx context.Context, sessionID string) (*InstanceStatus, error) {
	var result InstanceStatus
	if err := c.call(ctx, sessionID, OpInstanceStatus, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateProjectName renames the sandbox-side project.
func (c *Client) UpdateProjectName(ctx context.Context, sessionID, name string) error {
	args := struct {
		Name string `json:"name"`
	}{Name: name}
	return c.call(ctx, sessionID, OpUpdateProjectName, args, nil)
}

// CloudDeployResult is the outcome of a production deploy.
type CloudDeployResult struct {
	DeploymentID string `json:"deployment_id"`
	URL          string `json:"url"`
}

// DeployToCloud promotes the sandbox build to the cloud platform.
func (c *Client) DeployToCloud(ctx context.Context, sessionID string) (*CloudDeployResult, error) {
	var result CloudDeployResult
	if err := c.call(ctx, sessionID, OpDeployToCloud, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
