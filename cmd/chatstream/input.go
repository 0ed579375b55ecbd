package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
	"golang.org/x/term"
)

const prompt = "> "

// input delivers typed lines to the command loop. A terminal gets line
// editing and history through liner and prompts again only after the
// previous line has been handled; piped input is scanned as fast as the
// loop consumes it.
type input struct {
	lines chan string
	next  chan struct{}
	close func()
}

func newInput(ctx context.Context, in io.Reader) *input {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) && liner.TerminalSupported() {
		return promptInput(ctx)
	}
	return scanInput(ctx, in)
}

// interactive reports whether the loop should wait for each reply before
// asking for the next line.
func (i *input) interactive() bool {
	return i.next != nil
}

// ready lets a terminal prompt for the next line.
func (i *input) ready(ctx context.Context) {
	if i.next == nil {
		return
	}
	select {
	case i.next <- struct{}{}:
	case <-ctx.Done():
	}
}

func scanInput(ctx context.Context, in io.Reader) *input {
	i := &input{lines: make(chan string), close: func() {}}
	go func() {
		defer close(i.lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			select {
			case i.lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return i
}

func promptInput(ctx context.Context) *input {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	i := &input{
		lines: make(chan string),
		next:  make(chan struct{}),
		close: func() { state.Close() },
	}
	go func() {
		defer close(i.lines)
		for {
			text, err := state.Prompt(prompt)
			if err != nil {
				// io.EOF on Ctrl+D, liner.ErrPromptAborted on Ctrl+C.
				return
			}
			if strings.TrimSpace(text) != "" {
				state.AppendHistory(text)
			}
			select {
			case i.lines <- text:
			case <-ctx.Done():
				return
			}
			select {
			case <-i.next:
			case <-ctx.Done():
				return
			}
		}
	}()
	return i
}
