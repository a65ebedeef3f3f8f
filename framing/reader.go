package framing

import (
	"context"
	"errors"
	"io"
	"os"
)

const readChunkSize = 32 << 10

// Run reads r until EOF, an error, or ctx cancellation, passing every frame
// to fn in stream order. A partial last line is flushed at EOF. The error
// is nil on EOF and on closed pipes (the child went away).
func Run(ctx context.Context, r io.Reader, fn func(Frame), opts ...Option) error {
	f := New(opts...)
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, fr := range f.Feed(buf[:n]) {
				fn(fr)
			}
		}
		if err != nil {
			for _, fr := range f.Flush() {
				fn(fr)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}
