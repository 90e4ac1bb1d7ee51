// Package project locates project roots.
//
// A project root is the directory a language server worker runs in and
// the directory whose descriptor file (meson.build, Cargo.toml) restarts
// the worker when it changes. FindRoot walks up from any path inside a
// project to that directory.
//
// The watcher subpackage reports descriptor changes.
package project
