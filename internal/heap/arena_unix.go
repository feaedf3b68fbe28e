//go:build unix

package heap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapWords reserves an anonymous, zero-filled region of nWords words
// via mmap rather than a bare make([]byte, ...), since the region
// needs to be independently unmapped later (munmapWords) rather than
// left to the garbage collector.
func mmapWords(nWords int) []uintptr {
	if nWords == 0 {
		return nil
	}
	nBytes := nWords * wordSize
	data, err := unix.Mmap(-1, 0, nBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic("heap: mmap arena: " + err.Error())
	}
	return unsafe.Slice((*uintptr)(unsafe.Pointer(&data[0])), nWords)
}

// munmapWords releases an arena obtained from mmapWords.
func munmapWords(words []uintptr) {
	if len(words) == 0 {
		return
	}
	nBytes := len(words) * wordSize
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), nBytes)
	if err := unix.Munmap(data); err != nil {
		panic("heap: munmap arena: " + err.Error())
	}
}
