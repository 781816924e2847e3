// Package artifacts captures and stores debug artifacts (screenshots,
// logs) tied to an execution context.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
)

// ErrVideoUnsupported is returned for VIDEO captures: recording happens on
// an external recorder, not through the session protocol.
var ErrVideoUnsupported = errors.New("video capture requires an external recorder")

// Store writes artifacts under a base directory, one subdirectory per run.
type Store struct {
	dir      string
	basePath string // Server base path, shared by all session clients
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[string]*session.Client
}

// NewStore creates the base directory if needed.
func NewStore(dir, basePath string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{
		dir:      dir,
		basePath: basePath,
		log:      log.With().Str("component", "artifacts").Logger(),
		clients:  make(map[string]*session.Client),
	}, nil
}

// Capture produces one artifact for the context and writes it to disk.
func (s *Store) Capture(ctx context.Context, typ core.ArtifactType, ec *core.ExecutionContext) (*core.Artifact, error) {
	var data []byte
	var err error
	var ext string

	switch typ {
	case core.ArtifactScreenshot:
		ext = "png"
		data, err = s.clientFor(ec.ServerURL).Screenshot(ctx, ec.RemoteSessionID)
	case core.ArtifactLog:
		ext = "log"
		data, err = s.contextLog(ec)
	case core.ArtifactVideo:
		return nil, ErrVideoUnsupported
	default:
		return nil, fmt.Errorf("unknown artifact type %d", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", typ, err)
	}

	id := uuid.New().String()
	runDir := filepath.Join(s.dir, ec.TestRunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run artifact dir: %w", err)
	}
	path := filepath.Join(runDir, fmt.Sprintf("%s-%s.%s", typ, id, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	s.log.Debug().Str("path", path).Str("type", typ.String()).Msg("artifact captured")
	return &core.Artifact{
		ID:        id,
		Type:      typ,
		Path:      path,
		Size:      int64(len(data)),
		MimeType:  typ.MimeType(),
		Timestamp: time.Now(),
	}, nil
}

// contextLog is the pre-run log snapshot: the attempt's identity and
// session handles, enough to correlate with server-side logs.
func (s *Store) contextLog(ec *core.ExecutionContext) ([]byte, error) {
	snapshot := map[string]interface{}{
		"capturedAt":      time.Now().Format(time.RFC3339Nano),
		"testRunId":       ec.TestRunID,
		"testCaseId":      ec.TestCase.ID,
		"testCaseName":    ec.TestCase.Name,
		"deviceId":        ec.DeviceID,
		"platform":        ec.Platform.String(),
		"sessionId":       ec.SessionID,
		"remoteSessionId": ec.RemoteSessionID,
		"serverUrl":       ec.ServerURL,
		"timeout":         ec.Timeout.String(),
		"retryAttempt":    ec.RetryAttempt,
	}
	return json.MarshalIndent(snapshot, "", "  ")
}

func (s *Store) clientFor(serverURL string) *session.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[serverURL]
	if !ok {
		c = session.NewClient(serverURL, s.basePath, 30*time.Second)
		s.clients[serverURL] = c
	}
	return c
}
