package engine

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
)

type relayChunk struct {
	buf *[]byte
	n   int
}

// relayCopy streams r into w through a pipe of depth chunks. The reader
// blocks while the pipe is full and the writer while it is empty; nothing
// touches local storage.
func relayCopy(ctx context.Context, r io.Reader, w io.Writer, bufs *BufferPool, depth int) error {
	if depth < 1 {
		depth = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	pipe := make(chan relayChunk, depth)

	g.Go(func() error {
		defer close(pipe)
		for {
			b := bufs.Get()
			n, err := r.Read(*b)
			if n > 0 {
				select {
				case pipe <- relayChunk{buf: b, n: n}:
				case <-gctx.Done():
					bufs.Put(b)
					return gctx.Err()
				}
			} else {
				bufs.Put(b)
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		for c := range pipe {
			_, err := w.Write((*c.buf)[:c.n])
			bufs.Put(c.buf)
			if err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}
