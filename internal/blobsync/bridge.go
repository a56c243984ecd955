// Package blobsync coordinates blob metadata between a device's local
// catalog and the durable store. It moves metadata and presence records
// only; blob bytes never travel through this package.
package blobsync

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/deeprecall/recall-sync/internal/cas"
	"github.com/deeprecall/recall-sync/internal/durable"
)

// Coordinator is the durable-store surface this package needs. Satisfied
// by *durable.Client.
type Coordinator interface {
	UpsertBlobMeta(ctx context.Context, meta durable.BlobMeta) error
	UpsertDevicePresence(ctx context.Context, deviceID, sha256 string) error
	ListPresence(ctx context.Context, sha256 string) ([]string, error)
	ListDevices(ctx context.Context) ([]string, error)
}

// Report summarizes one coordination pass.
type Report struct {
	Coordinated int
	Failed      int
	Errors      []error
}

// Plan describes where a blob's bytes live and where they still need to
// go. Byte transfer itself is out of scope; the plan is advisory.
type Plan struct {
	SHA256    string
	Size      int64
	PresentOn []string
	Pending   []string
}

// Bridge links a local blob catalog to the durable coordinator.
type Bridge struct {
	catalog  *cas.Catalog
	coord    Coordinator
	deviceID string
	logger   *log.Logger
}

// NewBridge creates a Bridge for one device.
func NewBridge(catalog *cas.Catalog, coord Coordinator, deviceID string, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(os.Stderr, "[blobsync] ", log.LstdFlags)
	}
	return &Bridge{catalog: catalog, coord: coord, deviceID: deviceID, logger: logger}
}

// CoordinateUpload publishes one blob's metadata and this device's
// presence to the durable store. First write of a hash wins; repeats are
// no-ops on the durable side.
func (b *Bridge) CoordinateUpload(ctx context.Context, hash string) error {
	blob, err := b.catalog.Blob(ctx, hash)
	if err != nil {
		return fmt.Errorf("cannot coordinate unknown blob %s: %w", hash, err)
	}

	meta := durable.BlobMeta{
		SHA256:   blob.SHA256,
		Size:     blob.Size,
		Mime:     blob.Mime,
		Filename: blob.Filename,
	}
	if err := b.coord.UpsertBlobMeta(ctx, meta); err != nil {
		return fmt.Errorf("failed to publish metadata for %s: %w", hash, err)
	}
	if err := b.coord.UpsertDevicePresence(ctx, b.deviceID, hash); err != nil {
		return fmt.Errorf("failed to record presence for %s: %w", hash, err)
	}
	return nil
}

// CoordinateAll publishes every locally held blob. One blob's failure does
// not abort the rest; failures are collected in the report. Blobs marked
// remote have no local bytes and are skipped.
func (b *Bridge) CoordinateAll(ctx context.Context) (*Report, error) {
	blobs, err := b.catalog.ListBlobs(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, blob := range blobs {
		if blob.Health == cas.HealthRemote || blob.Health == cas.HealthMissing {
			continue
		}
		if err := b.CoordinateUpload(ctx, blob.SHA256); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err)
			b.logger.Printf("coordination failed for %s: %v", blob.SHA256, err)
			continue
		}
		report.Coordinated++
	}
	return report, nil
}

// PlanReplication computes which known devices still lack a blob's bytes.
func (b *Bridge) PlanReplication(ctx context.Context, hash string) (*Plan, error) {
	blob, err := b.catalog.Blob(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("cannot plan replication for unknown blob %s: %w", hash, err)
	}

	present, err := b.coord.ListPresence(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence for %s: %w", hash, err)
	}
	devices, err := b.coord.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	have := make(map[string]bool, len(present))
	for _, d := range present {
		have[d] = true
	}

	plan := &Plan{SHA256: hash, Size: blob.Size, PresentOn: present}
	for _, d := range devices {
		if !have[d] {
			plan.Pending = append(plan.Pending, d)
		}
	}
	return plan, nil
}

// AdoptRemote records a blob known only from durable metadata into the
// local catalog with remote health, so the device can plan a fetch later.
func (b *Bridge) AdoptRemote(ctx context.Context, meta durable.BlobMeta) error {
	if _, err := b.catalog.Blob(ctx, meta.SHA256); err == nil {
		return nil
	}
	return b.catalog.UpsertBlob(ctx, &cas.Blob{
		SHA256:   meta.SHA256,
		Size:     meta.Size,
		Mime:     meta.Mime,
		Filename: meta.Filename,
		Health:   cas.HealthRemote,
	})
}
