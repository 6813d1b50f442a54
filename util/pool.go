package util

import (
	"io"
	"sync"
)

// CopyBufSize is the size of the buffers the copy loops draw from bufPool.
const CopyBufSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, CopyBufSize)
		return &buf
	},
}

// pooledCopy is io.Copy with a buffer borrowed from bufPool.
func pooledCopy(dst io.Writer, src io.Reader) (int64, error) {
	buf := bufPool.Get().(*[]byte)
	defer bufPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}
