// Package process starts and supervises a single worker process that
// speaks a protocol over its standard streams.
//
// # Launch
//
// A LaunchConfig describes one spawn attempt: executable, arguments,
// working directory, ordered environment overrides and stream redirection.
// A LaunchFactory builds a fresh LaunchConfig for every attempt, so values
// discovered at spawn time (such as a sysroot probed with ProbeSysroot) can
// change between respawns. Inside a Flatpak sandbox a config with RunOnHost
// is started through flatpak-spawn.
//
// # Supervisor
//
// The Supervisor keeps one worker alive:
//
//	sup := process.NewSupervisor(factory, process.Callbacks{
//	    Spawned: func(h *process.Handle) { /* take h.Stream() */ },
//	    Exited:  func(h *process.Handle) { /* worker is gone */ },
//	})
//	sup.Start()
//	defer sup.Stop()
//
// Spawns, exits and callbacks are serialized on one goroutine. When a
// worker exits while the supervisor is started it is respawned, immediately
// by default or according to a backoff.BackOff given with
// WithRespawnBackOff. A failed spawn is reported through SpawnFailed and is
// not retried until the next Start or forced exit.
package process
