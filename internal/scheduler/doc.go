package scheduler

// Package scheduler wires the credential pool, quota tracker, model chain,
// executor, health checker and batch coordinator into one service.
//
// All cross-component state lives here rather than in package-level
// singletons, so tests (and embedders) can run several independent
// schedulers in one process.
