// Package manager is the orchestration layer over the memory coordinator's
// components. It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, event bridging, Close.
//   - config.go: Config, Deps and package defaults.
//   - bootstrap.go: Build wires every component from a config file.
//   - ensure.go: EnsureModel (cache, load, optimize-and-retry once).
//   - unload.go / evict.go: VRAM unload and RAM cache operations.
//   - allocations.go: allocator pass-throughs guarded against cache-owned memory.
//   - pressure.go: Run loops (pressure relief, reconcile sweep) and Relieve.
//   - status_report.go: Status/Snapshot reporting.
//   - ops.go: background Switch operations.
//   - errors.go: error classification for the HTTP layer.
//   - events.go / eventpub_memory.go: event names and publishers.
//   - sanity.go: startup and `memcoordd check` health report.
//
// External packages should use public methods only. Internal types are
// subject to change.
package manager
