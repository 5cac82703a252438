package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bhandras/relay/pkg/logger"
	"github.com/bhandras/relay/pkg/types"
	"github.com/fsnotify/fsnotify"
)

const (
	requestSuffix  = ".request.json"
	responseSuffix = ".response.json"
)

// FileChannel is a RequestChannel backed by JSON spool files.
//
// Requests and responses live side by side in one directory, so a tool process
// and the server rendezvous through the filesystem on a single host. Wait uses
// fsnotify instead of polling the directory.
type FileChannel struct {
	dir string
}

// NewFileChannel creates a file-backed request channel rooted at dir.
func NewFileChannel(dir string) (*FileChannel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create approval spool dir: %w", err)
	}
	return &FileChannel{dir: dir}, nil
}

type responseRecord struct {
	Approved bool `json:"approved"`
}

func (f *FileChannel) requestPath(id string) string {
	return filepath.Join(f.dir, id+requestSuffix)
}

func (f *FileChannel) responsePath(id string) string {
	return filepath.Join(f.dir, id+responseSuffix)
}

func (f *FileChannel) Create(_ context.Context, sessionID, action string, details map[string]string) (string, error) {
	id := types.NewScopedID(sessionID)
	req := Request{
		ID:        id,
		SessionID: sessionID,
		Action:    action,
		Details:   details,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeJSON(f.requestPath(id), req); err != nil {
		return "", err
	}
	return id, nil
}

func (f *FileChannel) Poll(_ context.Context, id string) (Request, error) {
	req, err := f.readRequest(id)
	if err != nil {
		return Request{}, err
	}

	resp, ok, err := f.readResponse(id)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return req, nil
	}

	if resp.Approved {
		req.Status = StatusApproved
	} else {
		req.Status = StatusDenied
	}
	// Resolution observed: retire both spool files.
	_ = os.Remove(f.requestPath(id))
	_ = os.Remove(f.responsePath(id))
	return req, nil
}

func (f *FileChannel) ListPending(_ context.Context, sessionID string) ([]Request, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	var requests []Request
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, requestSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, requestSuffix)
		if _, err := os.Stat(f.responsePath(id)); err == nil {
			continue // already resolved, waiting for the creator to observe
		}
		req, err := f.readRequest(id)
		if err != nil {
			continue
		}
		if req.SessionID != sessionID {
			continue
		}
		requests = append(requests, req)
	}

	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests, nil
}

func (f *FileChannel) Respond(_ context.Context, id string, approved bool) error {
	if _, err := os.Stat(f.requestPath(id)); err != nil {
		return ErrNotFound
	}
	if _, err := os.Stat(f.responsePath(id)); err == nil {
		return ErrNotFound
	}
	return writeJSON(f.responsePath(id), responseRecord{Approved: approved})
}

func (f *FileChannel) Delete(_ context.Context, id string) error {
	if err := os.Remove(f.requestPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	_ = os.Remove(f.responsePath(id))
	return nil
}

// Wait blocks until a response file for id appears or the timeout elapses.
func (f *FileChannel) Wait(ctx context.Context, id string, timeout time.Duration) (Request, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Request{}, err
	}
	defer watcher.Close()

	if err := watcher.Add(f.dir); err != nil {
		return Request{}, err
	}

	// The response may already be there.
	if req, err := f.Poll(ctx, id); err != nil || req.Status != StatusPending {
		return req, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	target := f.responsePath(id)
	for {
		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-deadline.C:
			return Request{}, context.DeadlineExceeded
		case event, ok := <-watcher.Events:
			if !ok {
				return Request{}, fmt.Errorf("approval watcher closed")
			}
			if event.Name != target || !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			req, err := f.Poll(ctx, id)
			if err != nil {
				return Request{}, err
			}
			if req.Status != StatusPending {
				return req, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return Request{}, fmt.Errorf("approval watcher closed")
			}
			logger.Warnf("approval: watcher error: %v", err)
		}
	}
}

func (f *FileChannel) readRequest(id string) (Request, error) {
	data, err := os.ReadFile(f.requestPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("corrupt approval request %s: %w", id, err)
	}
	return req, nil
}

func (f *FileChannel) readResponse(id string) (responseRecord, bool, error) {
	data, err := os.ReadFile(f.responsePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return responseRecord{}, false, nil
		}
		return responseRecord{}, false, err
	}
	var resp responseRecord
	if err := json.Unmarshal(data, &resp); err != nil {
		return responseRecord{}, false, fmt.Errorf("corrupt approval response %s: %w", id, err)
	}
	return resp, true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
