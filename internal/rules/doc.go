// Package rules loads project-scoped pattern rules from YAML files and
// keeps them fresh. A patterns file in a session's working directory (or
// a global file shared by all sessions) contributes extra prompt and
// error rules to that session's attention rule table.
//
// Features:
//   - YAML schema with per-entry validation and positional errors
//   - Invalid entries are rejected individually, valid ones still load
//   - Scope globs (doublestar) gate rules on project contents, so e.g.
//     REPL prompts only load when the matching manifest file is present
//   - Bounded fastwalk listing of the workdir for scope evaluation
//   - fsnotify watcher with debounce for hot reload on file changes
//   - Hard cap on the merged rule count per session
//
// Architecture:
//   - Loader reads and parses files, compiling entries via attention.NewRule
//   - Result carries loaded rules alongside the errors and skips, so the
//     caller can log problems without losing the valid remainder
//   - Watcher observes one file per key and invokes a reload callback;
//     the caller re-runs the Loader and swaps the session's RuleSet
package rules
