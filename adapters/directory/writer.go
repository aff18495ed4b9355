package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/coregx/flowrelay"
)

// FileExtensionProperty optionally sets the extension of written files, including the dot.
const FileExtensionProperty = "FILE_EXTENSION"

// Writer implements flowrelay.OutboundAdapter over a folder.
type Writer struct {
	folder    string
	extension string
	perm      os.FileMode
}

// WriterOption configures a Writer.
type WriterOption func(*Writer) error

// WithTargetFolder sets the folder to write. It is normally taken from the TARGET_FOLDER property.
func WithTargetFolder(folder string) WriterOption {
	return func(w *Writer) error {
		if folder == "" {
			return fmt.Errorf("folder cannot be empty")
		}
		w.folder = folder
		return nil
	}
}

// WithExtension sets the file extension, for example ".xml".
func WithExtension(ext string) WriterOption {
	return func(w *Writer) error {
		w.extension = ext
		return nil
	}
}

// NewWriter creates a Writer.
func NewWriter(opts ...WriterOption) (*Writer, error) {
	w := &Writer{perm: 0o644}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "failed to apply writer option", err)
		}
	}
	return w, nil
}

// ConfigureProperties reads TARGET_FOLDER and FILE_EXTENSION unless they were set explicitly.
func (w *Writer) ConfigureProperties(properties map[string]string) error {
	if w.extension == "" {
		w.extension = properties[FileExtensionProperty]
	}
	if w.folder != "" {
		return nil
	}
	folder := properties[flowrelay.TargetFolderProperty]
	if folder == "" {
		return flowrelay.ConfigurationError("property %s is required", flowrelay.TargetFolderProperty)
	}
	w.folder = folder
	return nil
}

// FileName returns the name a step is written under.
func (w *Writer) FileName(stepID int64) string {
	return strconv.FormatInt(stepID, 10) + w.extension
}

// Send writes the message content atomically.
func (w *Writer) Send(ctx context.Context, msg flowrelay.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.folder == "" {
		return flowrelay.ConfigurationError("writer has no folder (set %s)", flowrelay.TargetFolderProperty)
	}
	if err := os.MkdirAll(w.folder, 0o755); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to create folder "+w.folder, err)
	}

	tmp, err := os.CreateTemp(w.folder, ".tmp-*")
	if err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to create temporary file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(msg.Content); err != nil {
		_ = tmp.Close()
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to write "+tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to close "+tmpName, err)
	}
	if err := os.Chmod(tmpName, w.perm); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to chmod "+tmpName, err)
	}
	if err := os.Rename(tmpName, filepath.Join(w.folder, w.FileName(msg.StepID))); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to move file into "+w.folder, err)
	}
	return nil
}
