package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// stdinPicker resolves a missing build target by prompting on the
// terminal. An empty answer dismisses the prompt.
type stdinPicker struct {
	in  io.Reader
	out io.Writer
}

func newStdinPicker() *stdinPicker {
	return &stdinPicker{in: os.Stdin, out: os.Stderr}
}

func (p *stdinPicker) Pick(ctx context.Context, workspace string, candidates []string) (string, bool, error) {
	fmt.Fprintf(p.out, "A build target is required for %s\n", workspace)
	for i, c := range candidates {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, c)
	}
	fmt.Fprint(p.out, "Target (number or label, empty to cancel): ")

	line, err := p.readLine(ctx)
	if err != nil {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}
	if n, convErr := strconv.Atoi(line); convErr == nil && n >= 1 && n <= len(candidates) {
		return candidates[n-1], true, nil
	}
	return line, true, nil
}

func (p *stdinPicker) Input(ctx context.Context, workspace string) (string, bool, error) {
	fmt.Fprintf(p.out, "Enter a build target for %s (empty to cancel): ", workspace)

	line, err := p.readLine(ctx)
	if err != nil {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	return line, line != "", nil
}

func (p *stdinPicker) readLine(ctx context.Context) (string, error) {
	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(p.in).ReadString('\n')
		if err != nil && line == "" {
			ch <- answer{err: err}
			return
		}
		ch <- answer{line: line}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		return a.line, a.err
	}
}
