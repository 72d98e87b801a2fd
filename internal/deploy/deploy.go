// Package deploy manages the sandbox session lifecycle, the preview
// URL cache, and promotion to the cloud platform.
package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/sandbox"
	"github.com/untoldecay/CodeLoom/internal/store"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// Manager owns the sandbox session id and preview URL for a project.
type Manager struct {
	sandbox *sandbox.Client
	store   *store.Store

	mu         sync.Mutex
	previewURL string
}

// NewManager creates a deployment manager.
func NewManager(sb *sandbox.Client, st *store.Store) *Manager {
	return &Manager{sandbox: sb, store: st}
}

// SessionID returns the current sandbox session id.
func (m *Manager) SessionID() string {
	state := m.store.Get()
	if state == nil {
		return ""
	}
	return state.SandboxInstanceID
}

// PreviewURL returns the cached preview URL, or "".
func (m *Manager) PreviewURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previewURL
}

// Deploy pushes files to the sandbox and refreshes the preview.
// redeploy=true rotates the session: the service may allocate a fresh
// one and the cached preview URL is invalidated first.
func (m *Manager) Deploy(ctx context.Context, files []sandbox.FilePayload, redeploy, clearLogs bool, commitMessage string) (*sandbox.DeployResult, error) {
	if redeploy {
		m.mu.Lock()
		m.previewURL = ""
		m.mu.Unlock()
	}

	result, err := m.sandbox.Deploy(ctx, m.SessionID(), sandbox.DeployArgs{
		Files:         files,
		Redeploy:      redeploy,
		ClearLogs:     clearLogs,
		CommitMessage: commitMessage,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.previewURL = result.PreviewURL
	m.mu.Unlock()

	if result.SessionID != "" && result.SessionID != m.SessionID() {
		if mutErr := m.store.Mutate(func(s *types.ProjectState) error {
			s.SandboxInstanceID = result.SessionID
			return nil
		}); mutErr != nil {
			debug.Logf("recording rotated session failed: %v", mutErr)
		}
	}
	return result, nil
}

// EnsureSession verifies the sandbox session is healthy, redeploying
// once when it is not (or when the preview has expired).
func (m *Manager) EnsureSession(ctx context.Context, files []sandbox.FilePayload) error {
	sessionID := m.SessionID()
	if sessionID != "" {
		status, err := m.sandbox.GetInstanceStatus(ctx, sessionID)
		if err == nil && status.IsHealthy {
			return nil
		}
		debug.Logf("sandbox session %s unhealthy, redeploying", sessionID)
	}
	_, err := m.Deploy(ctx, files, true, false, "Recreate sandbox session")
	return err
}

// DeployToCloud promotes the current sandbox build to the cloud
// platform, ensuring a session exists first.
func (m *Manager) DeployToCloud(ctx context.Context, files []sandbox.FilePayload) (*sandbox.CloudDeployResult, error) {
	if err := m.EnsureSession(ctx, files); err != nil {
		return nil, fmt.Errorf("ensuring sandbox before cloud deploy: %w", err)
	}
	return m.sandbox.DeployToCloud(ctx, m.SessionID())
}
