package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// InputReader supplies user turns to the machine. ReadLine blocks until
// a line is available, the source is exhausted (io.EOF), or the context
// is done.
type InputReader interface {
	ReadLine(ctx context.Context) (string, error)
}

type readResult struct {
	line string
	err  error
}

// ReaderInput adapts an io.Reader (stdin, a test script, a pipe) into an
// InputReader. Reads happen on a pump goroutine so a blocked read does
// not hold up context cancellation.
type ReaderInput struct {
	r      io.Reader
	prompt string
	out    io.Writer
	ch     chan readResult
	once   sync.Once
}

// NewReaderInput creates an input reader over r.
func NewReaderInput(r io.Reader) *ReaderInput {
	return &ReaderInput{
		r:  r,
		ch: make(chan readResult, 1),
	}
}

// SetPrompt configures a prompt string written to out before each read.
// Used for interactive sessions; scripted inputs leave it unset.
func (in *ReaderInput) SetPrompt(prompt string, out io.Writer) {
	in.prompt = prompt
	in.out = out
}

// ReadLine returns the next line without its trailing newline. Returns
// io.EOF once the underlying reader is exhausted.
func (in *ReaderInput) ReadLine(ctx context.Context) (string, error) {
	in.once.Do(func() { go in.pump() })

	if in.prompt != "" && in.out != nil {
		fmt.Fprint(in.out, in.prompt)
	}

	select {
	case res, ok := <-in.ch:
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// pump reads lines until the reader is exhausted, then closes the
// channel. A scanner error is delivered before the close.
func (in *ReaderInput) pump() {
	scanner := bufio.NewScanner(in.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		in.ch <- readResult{line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		in.ch <- readResult{err: fmt.Errorf("read input: %w", err)}
	}
	close(in.ch)
}
