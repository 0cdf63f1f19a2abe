// Package harness runs scripted multi-goroutine scenarios against a store.
//
// A scenario names threads; each thread is a goroutine with its own Looper
// and at most one open session. Steps run in file order, each on its
// thread's goroutine, so a scenario reads as an interleaving of what every
// thread does.
//
// # Scenario Format
//
//	name: delete_is_visible_after_advance
//	description: "A reader sees another thread's delete only after advancing"
//	durability: memory
//	tables:
//	  - name: Item
//	    primary_key: id
//	    columns:
//	      - { name: id, type: int }
//	      - { name: label, type: string }
//	steps:
//	  - { thread: a, op: open }
//	  - { thread: a, op: begin }
//	  - { thread: a, op: insert, table: Item, rows: [{ id: 1 }, { id: 2 }] }
//	  - { thread: a, op: commit, version: 2 }
//	  - { thread: b, op: open }
//	  - { thread: b, op: expect_rows, table: Item, count: 2 }
//	  - { thread: b, op: close, session: a, error: WRONG_THREAD }
//
// Tables can also come from a CUE schema directory (schema: path/to/dir,
// relative to the scenario file). Declared tables are created in one
// commit before the first step, so the first step sees version 1.
//
// # Operations
//
//   - open: opens the thread's session; listen: true delivers change
//     notifications through the thread's looper
//   - begin, commit, rollback: write transaction control
//   - insert, update, delete: row changes addressed by primary key
//   - advance: moves the session to the latest version
//   - expect_rows: checks the primary keys (keys) or number (count) of rows,
//     optionally filtered by equality (where)
//   - await_change: waits for the next change notification
//   - close: closes the session
//
// Every step may expect an error code (error: DUPLICATE_KEY) and the
// version the session reads afterwards (version: 3). session: other runs the
// step on this thread's goroutine against another thread's session.
//
// # Traces
//
// Each step appends one TraceEvent. Traces contain no ids or timestamps, so
// a scenario produces byte-identical traces across runs and can be compared
// against golden files with RunWithGolden.
package harness
