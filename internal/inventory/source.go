package inventory

import (
	"context"

	"github.com/limiquantix/rebalancer/internal/domain"
)

// FileSource reads a fresh snapshot from an inventory file on every call.
type FileSource struct {
	path    string
	builder *Builder
}

// NewFileSource creates a snapshot source backed by path.
func NewFileSource(path string, builder *Builder) *FileSource {
	return &FileSource{path: path, builder: builder}
}

// Snapshot loads the file and builds a snapshot from it.
func (s *FileSource) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := LoadFile(s.path)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(f)
}
