package engine

import "golang.org/x/sys/unix"

// golang.org/x/sys/unix.FdSet exposes its bitmap as a plain array with no
// helper methods, so select()'s fd_set manipulation is done by hand here,
// matching the bit layout select(2) expects on 64-bit Unix platforms.
const fdSetBitsPerWord = 64

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/fdSetBitsPerWord] |= 1 << (uint(fd) % fdSetBitsPerWord)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/fdSetBitsPerWord]&(1<<(uint(fd)%fdSetBitsPerWord)) != 0
}
