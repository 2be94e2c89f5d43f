package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/batch"
	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/internal/fileid"
	"github.com/hyperjump/medvision/internal/keyword"
	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/internal/storage"
	"github.com/hyperjump/medvision/pkg/utils"
)

// InboxExamType marks sessions created from the inbox.
const InboxExamType = "Inbox"

// Inbox turns image files dropped into watched directories into vision_only
// sessions. Files with identical content are processed once per run.
type Inbox struct {
	watcher *Watcher
	service *batch.Service
	store   storage.Storage
	images  *storage.ImageStore
	index   keyword.SessionIndex
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	seen   map[string]string // content ID -> session ID
	closed bool
	wg     sync.WaitGroup
}

// NewInbox wires an inbox over the configured directories. index may be nil.
func NewInbox(cfg *config.WatchConfig, service *batch.Service, store storage.Storage, images *storage.ImageStore, index keyword.SessionIndex, logger *zap.Logger, opts ...Option) *Inbox {
	logger = utils.OrNop(logger)
	in := &Inbox{
		service: service,
		store:   store,
		images:  images,
		index:   index,
		logger:  logger,
		seen:    make(map[string]string),
	}
	opts = append([]Option{WithLogger(logger)}, opts...)
	in.watcher = NewWatcher(cfg.Directories, cfg.Extensions, cfg.RecursiveOrDefault(), in.onFile, opts...)
	return in
}

// Start begins watching and processes files already present in the background.
func (in *Inbox) Start(ctx context.Context) error {
	in.ctx, in.cancel = context.WithCancel(ctx)
	if err := in.watcher.Start(in.ctx); err != nil {
		in.cancel()
		return fmt.Errorf("failed to start inbox watcher: %w", err)
	}
	existing := in.watcher.Existing()
	in.logger.Info("Inbox started", zap.Strings("directories", in.watcher.roots), zap.Int("existing_files", len(existing)))
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for _, path := range existing {
			if in.ctx.Err() != nil {
				return
			}
			in.handle(path)
		}
	}()
	return nil
}

// Stop stops watching and waits for in-flight files to finish.
func (in *Inbox) Stop() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	if in.cancel != nil {
		in.cancel()
	}
	in.watcher.Stop()
	in.wg.Wait()
}

func (in *Inbox) onFile(path string) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.wg.Add(1)
	in.mu.Unlock()
	defer in.wg.Done()
	in.handle(path)
}

func (in *Inbox) handle(path string) {
	ctx := in.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := in.ProcessFile(ctx, path); err != nil {
		in.logger.Warn("Inbox file failed", zap.String("path", path), zap.Error(err))
	}
}

// ProcessFile runs the vision pipeline on one image file and stores the result
// as a vision_only session. It returns nil without error when the content has
// already been processed. A batch failure stores nothing so the file is
// retried on its next write.
func (in *Inbox) ProcessFile(ctx context.Context, path string) (*models.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	contentID := fileid.ContentID(data)
	id := uuid.NewString()

	in.mu.Lock()
	if prev, ok := in.seen[contentID]; ok {
		in.mu.Unlock()
		in.logger.Debug("Inbox skipping duplicate", zap.String("path", path), zap.String("session_id", prev))
		return nil, nil
	}
	in.seen[contentID] = id
	in.mu.Unlock()

	name := filepath.Base(path)
	result, err := in.service.ProcessImages(ctx, []*models.ImageInput{{Name: name, Data: data}})
	if err != nil {
		in.forget(contentID)
		return nil, err
	}

	stored, err := in.images.Save(id, 1, name, "", data)
	if err != nil {
		in.forget(contentID)
		return nil, err
	}
	now := time.Now().UTC()
	sess := &models.Session{
		ID:              id,
		ExamType:        InboxExamType,
		ClinicalContext: "Source: " + path,
		ImagePaths:      []string{stored},
		VisionContext:   result.Context,
		Results:         result.Results,
		Status:          models.SessionVisionOnly,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := in.store.CreateSession(ctx, sess); err != nil {
		_ = in.images.Remove(id)
		in.forget(contentID)
		return nil, fmt.Errorf("failed to store inbox session: %w", err)
	}
	if in.index != nil {
		if err := in.index.Index(ctx, sess); err != nil {
			in.logger.Warn("Failed to index inbox session", zap.String("session_id", id), zap.Error(err))
		}
	}
	in.logger.Info("Inbox image processed", zap.String("path", path), zap.String("session_id", id))
	return sess, nil
}

func (in *Inbox) forget(contentID string) {
	in.mu.Lock()
	delete(in.seen, contentID)
	in.mu.Unlock()
}
