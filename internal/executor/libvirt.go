package executor

import (
	"context"
	"fmt"
	"net/url"

	golibvirt "github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/domain"
)

// LibvirtMigrator migrates VMs peer-to-peer between libvirt hosts. The
// source daemon drives the migration towards the target URI.
type LibvirtMigrator struct {
	nodeURI func(node string) string
	connect func(uri *url.URL) (*golibvirt.Libvirt, error)
	logger  *zap.Logger
}

// NewLibvirtMigrator creates a migrator. nodeURI maps a node name to its
// libvirt URI.
func NewLibvirtMigrator(nodeURI func(node string) string, logger *zap.Logger) *LibvirtMigrator {
	return &LibvirtMigrator{
		nodeURI: nodeURI,
		connect: golibvirt.ConnectToURI,
		logger:  logger.With(zap.String("component", "libvirt-migrator")),
	}
}

// Migrate performs the migration and waits for it or for ctx.
func (l *LibvirtMigrator) Migrate(ctx context.Context, m domain.Migration, opts Options) error {
	if m.Type == domain.GuestTypeContainer {
		return fmt.Errorf("%w: libvirt driver cannot migrate container %s", domain.ErrOperationFailed, m.Guest)
	}

	src, err := url.Parse(l.nodeURI(m.Source))
	if err != nil {
		return fmt.Errorf("parse libvirt uri for %s: %w", m.Source, err)
	}
	dst := l.nodeURI(m.Target)

	done := make(chan error, 1)
	go func() {
		done <- l.perform(src, dst, m.Guest, flags(opts))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The running job is left to libvirt; the outcome is reported as a timeout.
		l.logger.Warn("Stopped waiting for migration", zap.String("guest", m.Guest), zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (l *LibvirtMigrator) perform(src *url.URL, dst, guest string, f golibvirt.DomainMigrateFlags) error {
	client, err := l.connect(src)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", src.Redacted(), err)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			l.logger.Warn("Libvirt disconnect failed", zap.Error(err))
		}
	}()

	dom, err := client.DomainLookupByName(guest)
	if err != nil {
		return fmt.Errorf("lookup guest %s: %w", guest, err)
	}

	if _, err := client.DomainMigratePerform3Params(dom, golibvirt.OptString{dst}, nil, nil, f); err != nil {
		return fmt.Errorf("migrate guest %s to %s: %w", guest, dst, err)
	}
	return nil
}

func flags(opts Options) golibvirt.DomainMigrateFlags {
	f := golibvirt.MigratePeer2peer | golibvirt.MigratePersistDest | golibvirt.MigrateUndefineSource
	if opts.Live {
		f |= golibvirt.MigrateLive
	}
	if opts.WithLocalDisks {
		f |= golibvirt.MigrateNonSharedDisk
	}
	return f
}
