// Package preflight validates the environment before unisearch opens an
// index, and backs the doctor command.
//
// The checks cover:
//   - the index directory (creatable and writable)
//   - free disk space under the index directory
//   - the open file limit, since segment stores hold many files open
//   - whether another process holds the index lock
//   - each configured provider (filesystem roots, GitHub tokens)
//
//	checker := preflight.New(cfg)
//	results := checker.RunAll()
//	if checker.HasCriticalFailures(results) {
//	    // refuse to start
//	}
package preflight
