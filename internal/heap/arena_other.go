//go:build !unix

package heap

// mmapWords falls back to a plain Go allocation on non-unix targets,
// where golang.org/x/sys/unix's Mmap/Munmap aren't available.
func mmapWords(nWords int) []uintptr { return make([]uintptr, nWords) }

// munmapWords is a no-op on this path: the arena is ordinary
// garbage-collected Go memory, reclaimed normally.
func munmapWords([]uintptr) {}
