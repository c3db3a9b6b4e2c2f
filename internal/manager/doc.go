// Package manager provides the worker runtime: the hot-swappable model slot,
// the table of running generation sessions, session admission and the
// orchestrator connection. It is structured into small files by concern:
//
//   - runtime.go: core Runtime type, constructor, simple getters.
//   - config.go: Config and package defaults; NewWithConfig applies defaults.
//   - model.go: SetModel/Swap and model resolution against the registry.
//   - admission.go: bounded session admission.
//   - generate.go: StartAsync, Stream, GenerateSync and Cancel.
//   - infer.go: NDJSON streaming entry point for the HTTP API.
//   - handler.go: worker.Handler implementation for orchestrator commands.
//   - lifecycle.go: StartWorker, StartBackgroundTasks, StopWorker, Close.
//   - status_report.go: Status, StatusString and GetStatus.
//   - errors.go: error helpers (IsTooBusy, IsModelNotFound).
//
// External packages should treat this package as the orchestration layer and
// use public methods only. Internal types are subject to change.
package manager
