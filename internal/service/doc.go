// Package service is the entry point of the user facing layer into the
// engine.
//
// Overview
// A Session bundles the engine Handle, the task Runner and the Registry.
// Short queries (Cmd, Seek, Offset) run synchronously on the caller's
// goroutine while holding the engine. Longer work is wrapped into a Task and
// either started directly or submitted into a Category.
//
// The Registry keeps the tasks in flight. A Category is a slot holding at
// most one unfinished task: submitting into an occupied slot is rejected,
// never queued. Callers check the result and skip the operation.
//
//	Session              Registry{category}        Runner           Handle
//	   |                       |                     |                 |
//	   | AsyncTask(cat, t) --->| slot free? Start -->| queue           |
//	   |<------ false ---------| (occupied)          |                 |
//	   |                       |                     | Acquire ------->| wake
//	   |                       |                     | body            |
//	   |                       |                     | Release ------->| sleep, position
//	   |                       |<---- finished ------|                 |
//	   |<---- Change ----------| slot cleared        |                 |
//
// Categories:
//   - CategoryDebug is shared by every debugger control (start, continue,
//     step, step over, stop) so they never overlap.
//   - CategoryAnalysis only keeps an analysis from running twice.
//
// The Debugger type wraps the debug controls on top of a Session.
package service
