package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coregx/flowrelay"
)

// Defaults.
const (
	DefaultPollInterval = time.Second
	ProcessedFolder     = ".processed"
)

// Ingress header names set by the poller.
const (
	FileNameHeader = "fileName"
	FileSizeHeader = "fileSize"
)

// Poller implements flowrelay.InboundAdapter over a folder.
type Poller struct {
	folder   string
	interval time.Duration
	logger   flowrelay.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// PollerOption configures a Poller.
type PollerOption func(*Poller) error

// WithFolder sets the folder to read. It is normally taken from the SOURCE_FOLDER property.
func WithFolder(folder string) PollerOption {
	return func(p *Poller) error {
		if folder == "" {
			return fmt.Errorf("folder cannot be empty")
		}
		p.folder = folder
		return nil
	}
}

// WithPollInterval sets the scan interval. Default: 1s.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be > 0, got %v", d)
		}
		p.interval = d
		return nil
	}
}

// WithPollerLogger sets the logger. Default: flowrelay.NoopLogger.
func WithPollerLogger(logger flowrelay.Logger) PollerOption {
	return func(p *Poller) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		p.logger = logger
		return nil
	}
}

// NewPoller creates a Poller.
func NewPoller(opts ...PollerOption) (*Poller, error) {
	p := &Poller{interval: DefaultPollInterval, logger: &flowrelay.NoopLogger{}}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "failed to apply poller option", err)
		}
	}
	return p, nil
}

// ConfigureProperties reads SOURCE_FOLDER unless a folder was set explicitly.
func (p *Poller) ConfigureProperties(properties map[string]string) error {
	if p.folder != "" {
		return nil
	}
	folder := properties[flowrelay.SourceFolderProperty]
	if folder == "" {
		return flowrelay.ConfigurationError("property %s is required", flowrelay.SourceFolderProperty)
	}
	p.folder = folder
	return nil
}

// Start begins polling in the background.
func (p *Poller) Start(ctx context.Context, ingest flowrelay.IngestFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	if p.folder == "" {
		return flowrelay.ConfigurationError("poller has no folder (set %s)", flowrelay.SourceFolderProperty)
	}
	if err := os.MkdirAll(filepath.Join(p.folder, ProcessedFolder), 0o755); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "failed to prepare folder "+p.folder, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, ingest, p.done)
	p.logger.Infof("Polling %s every %v", p.folder, p.interval)
	return nil
}

// Stop ends polling and waits for the current scan.
func (p *Poller) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (p *Poller) run(ctx context.Context, ingest flowrelay.IngestFunc, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx, ingest)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one scan. Files are ingested in name order. A file whose ingest fails stays in place
// and is tried again on the next scan.
func (p *Poller) Poll(ctx context.Context, ingest flowrelay.IngestFunc) int {
	entries, err := os.ReadDir(p.folder)
	if err != nil {
		p.logger.Errorf("Failed to read %s: %v", p.folder, err)
		return 0
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	ingested := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ingested
		}
		if !entry.Type().IsRegular() || entry.Name()[0] == '.' {
			continue
		}
		if err := p.ingestFile(ctx, entry, ingest); err != nil {
			p.logger.Warnf("File %s not ingested: %v", entry.Name(), err)
			continue
		}
		ingested++
	}
	return ingested
}

func (p *Poller) ingestFile(ctx context.Context, entry os.DirEntry, ingest flowrelay.IngestFunc) error {
	info, err := entry.Info()
	if err != nil {
		return err
	}
	path := filepath.Join(p.folder, entry.Name())
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	err = ingest(ctx, flowrelay.IngressMessage{
		Content: string(content),
		Headers: map[string]string{
			FileNameHeader: entry.Name(),
			FileSizeHeader: strconv.FormatInt(info.Size(), 10),
		},
		Key: FileKey(entry.Name(), info.Size(), info.ModTime()),
	})
	if err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(p.folder, ProcessedFolder, entry.Name()))
}

// FileKey identifies a file version for duplicate detection.
func FileKey(name string, size int64, modTime time.Time) string {
	return name + ":" + strconv.FormatInt(size, 10) + ":" + strconv.FormatInt(modTime.UnixNano(), 10)
}
