//go:build !unix

package processional

// lockFile is a no-op where advisory file locks are unavailable; the
// in-process mutex still serializes writers of one process.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
