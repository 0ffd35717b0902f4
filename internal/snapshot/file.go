package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cardkiosk/internal/cards"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPath is used when no snapshot path is configured.
const DefaultPath = "./data/kiosk-state.json"

// File keeps the snapshot in a single JSON file. Saves write a temp file in
// the same directory and rename it over the previous snapshot.
type File struct {
	path   string
	tracer trace.Tracer
}

// NewFile returns a file persister at path, creating the directory if needed.
func NewFile(path string) (*File, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &File{path: path, tracer: otel.Tracer("cardkiosk/snapshot")}, nil
}

// Path is the snapshot file location.
func (f *File) Path() string { return f.path }

func (f *File) Save(ctx context.Context, st *cards.ApplicationState) error {
	_, span := f.tracer.Start(ctx, "snapshot.file.save",
		trace.WithAttributes(
			attribute.Int("records.count", len(st.Records)),
			attribute.Int("queue.length", len(st.Queue)),
		),
	)
	defer span.End()

	data, err := Encode(st)
	if err != nil {
		span.RecordError(err)
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".kiosk-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	// atomically move into place
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		span.RecordError(err)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	span.SetAttributes(attribute.Int("snapshot.bytes", len(data)))
	return nil
}

// Load reads the snapshot. A missing file yields an empty state. A corrupt
// file is moved aside to <path>.corrupt-<unix> before the error is returned.
func (f *File) Load(ctx context.Context) (*cards.ApplicationState, error) {
	_, span := f.tracer.Start(ctx, "snapshot.file.load")
	defer span.End()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cards.NewApplicationState(), nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	st, err := Decode(data)
	if err != nil {
		span.RecordError(err)
		aside := f.path + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
		if renameErr := os.Rename(f.path, aside); renameErr != nil {
			return nil, fmt.Errorf("%w (could not move it aside: %v)", err, renameErr)
		}
		return nil, fmt.Errorf("%w (moved to %s)", err, aside)
	}
	return st, nil
}

func (f *File) Close() error { return nil }
