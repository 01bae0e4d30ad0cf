package runner

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxLine is the longest line emitted as a whole, longer ones are split.
const maxLine = 64 * 1024

// Stream spawns the command and reads stdout and stderr concurrently,
// line by line. Every line is sent to lines as soon as it is read; nil
// lines is allowed. The returned Output.Combined is the concatenation of
// all lines in emission order. Stream returns once the process exited and
// all output was delivered.
func (r *Runner) Stream(ctx context.Context, c Command, lines chan<- Line) (Output, error) {
	ctx, cancel := withTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := r.command(ctx, c)
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	col := collector{
		ctx:   ctx,
		lines: lines,
		limit: r.outputLimit,
		out:   &limitedBuffer{limit: r.outputLimit},
		err:   &limitedBuffer{limit: r.outputLimit},
	}

	slog.DebugContext(ctx, "streaming command", "path", c.Path, "args", c.Args, "dir", c.Dir)
	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return Output{}, classify(ctx, c, Output{}, err)
	}

	var g errgroup.Group
	g.Go(func() error { return col.read(outR, Stdout) })
	g.Go(func() error { return col.read(errR, Stderr) })

	waitErr := cmd.Wait()
	_ = outW.Close()
	_ = errW.Close()
	if err := g.Wait(); err != nil {
		slog.WarnContext(ctx, "reading command output", "path", c.Path, "error", err)
	}

	out := col.output()
	return out, classify(ctx, c, out, waitErr)
}

type collector struct {
	ctx   context.Context
	lines chan<- Line
	limit int

	mx       sync.Mutex
	combined strings.Builder
	emitted  int
	full     bool
	out      *limitedBuffer
	err      *limitedBuffer
}

func (c *collector) read(r io.Reader, stream Stream) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 2*maxLine)
	scanner.Split(scanLines)
	for scanner.Scan() {
		c.emit(stream, scanner.Text())
	}
	err := scanner.Err()
	if err != nil {
		// keep the writer side unblocked
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

// emit records the line and forwards it while holding the lock, so
// the channel observes the same order as Combined.
func (c *collector) emit(stream Stream, text string) {
	c.mx.Lock()
	defer c.mx.Unlock()

	buf := c.out
	if stream == Stderr {
		buf = c.err
	}
	_, _ = buf.Write([]byte(text + "\n"))

	// Combined stays a prefix of the transcript
	if !c.full {
		sep := 0
		if c.emitted > 0 {
			sep = 1
		}
		if c.combined.Len()+sep+len(text) > c.limit {
			c.full = true
		} else {
			if sep > 0 {
				c.combined.WriteByte('\n')
			}
			c.combined.WriteString(text)
			c.emitted++
		}
	}

	if c.lines == nil {
		return
	}
	select {
	case c.lines <- Line{Stream: stream, Text: text}:
	case <-c.ctx.Done():
	}
}

func (c *collector) output() Output {
	c.mx.Lock()
	defer c.mx.Unlock()
	return Output{
		Stdout:   strings.TrimSpace(c.out.String()),
		Stderr:   strings.TrimSpace(c.err.String()),
		Combined: c.combined.String(),
	}
}

// scanLines is a bufio.SplitFunc terminating lines on \n, \r\n and a
// bare \r, so progress bars redrawing a line are emitted per update.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// a trailing \r may be the first half of \r\n
		return 0, nil, nil
	}
	if len(data) >= maxLine {
		return maxLine, data[:maxLine], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
