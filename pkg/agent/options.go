// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package agent

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pylonhq/pylon-agent/pkg/certs"
	"github.com/pylonhq/pylon-agent/pkg/executor"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
)

// Options configures a Device. Cert and Key are mandatory; everything else
// has a working default. The zero value of every duration and size field
// means "use the package default of the component that consumes it".
type Options struct {
	// Cert and Key are the device credentials, as paths or in-memory PEM.
	// In-memory material is spooled to temp files that live until Close.
	Cert certs.Material
	Key  certs.Material

	// CAs are the platform trust anchors in PEM (device CA, root CA, …),
	// outermost last. With none given the system roots are trusted.
	CAs [][]byte

	// DataDir, when set, keeps samples, events, macros, metadata, the write
	// log and blobs in durable stores under this directory. Empty keeps
	// everything in process memory.
	DataDir string

	// UseUplink ships samples, logs and orders over the persistent framed
	// TLS connection instead of the request/response API.
	UseUplink bool

	// APIBaseURL overrides the base URL derived from the certificate's
	// environment. The override skips client authentication; it is meant
	// for local platform instances and tests.
	APIBaseURL string

	// The Disable switches turn whole domains off. A disabled domain's
	// stores are never synced and its user surface returns ErrUnavailable
	// where the original operation would be meaningless.
	DisableOrders       bool
	DisablePathpoints   bool
	DisableBAOBs        bool
	DisableMacros       bool
	DisablePredicates   bool
	DisableArchives     bool
	DisableSensorWrites bool

	// Handler carries out the device I/O behind pathpoint reads and writes.
	// Required unless every order-bearing domain is disabled or
	// ExecuteSection is set.
	Handler pathpoint.Handler

	// ProvidePathpoint, when set, materializes pathpoints first referenced
	// by name. The default builds a plain pathpoint at the requested
	// storage level.
	ProvidePathpoint func(name string, storage pathpoint.StorageLevel) (*pathpoint.Pathpoint, error)

	// Sysctl handles custom maintenance orders. It is consulted before the
	// built-in ones (see ExecuteSysctl).
	Sysctl executor.SysctlFunc

	// ExecuteSection replaces the built-in order loop; SyncSections
	// replaces the barrier awaited before a CANNOT_JOIN section.
	ExecuteSection executor.SectionHook
	SyncSections   executor.SyncHook

	// OnSuccessfulSync and OnFailedSync observe every sync outcome across
	// the workers; embedders use them as a link liveness detector.
	// OnFailedSync fires only when the link is the problem.
	OnSuccessfulSync func()
	OnFailedSync     func(err error)

	// OnBAOBUpdated fires after the communicator downloads a fresher blob,
	// except during the first reconciliation.
	OnBAOBUpdated func(key string)

	// OnReady fires once, when the first reconciliation pass has given the
	// device a consistent view of the cloud.
	OnReady func()

	// MetadataCacheTTL bounds how long downloaded plain-metadata values are
	// served without asking the cloud again.
	MetadataCacheTTL time.Duration

	// DelayBoot defers all cloud traffic until ContinueBoot.
	DelayBoot bool

	// StartupDelay postpones order execution and reconciliation by a fixed
	// duration after New.
	//
	// Deprecated: use DelayBoot with ContinueBoot.
	StartupDelay time.Duration

	// Communicator cadences.
	SyncInterval    time.Duration
	SensorsEvery    time.Duration
	PredicatesEvery time.Duration
	BlobsEvery      time.Duration

	// Archiver cadences.
	ArchiverInterval time.Duration
	MacrosEvery      time.Duration
	ArchivesEvery    time.Duration

	// Log publisher tuning.
	LogBatchDelay    time.Duration
	LogMaxBatch      int
	LogMaxBatchBytes int
	LogMaxBuffer     int

	// Memory pressure watcher tuning.
	MemoryCheckEvery      time.Duration
	MemoryElevatedPercent float64
	MemoryCriticalPercent float64

	// EventRetention bounds how long closed events stay queryable in the
	// in-memory event store. Ignored with DataDir set.
	EventRetention time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// needsExecutor reports whether any domain that can emit orders is enabled.
// The original client keeps the executor alive as long as one of them is.
func (o *Options) needsExecutor() bool {
	return !(o.DisableOrders && o.DisablePathpoints && o.DisableBAOBs && o.DisablePredicates)
}

// needsArchiver reports whether the archive-and-macro worker has anything
// to do.
func (o *Options) needsArchiver() bool {
	return !(o.DisableMacros && o.DisableArchives)
}
