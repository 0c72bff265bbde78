package callnode

import (
	"fmt"
	"io"
	"sync"
)

type Printer interface {
	Printf(format string, args ...any)
	Println(args ...any)
}

// StdPrinter serialises output from the event loop and the command reader.
// With a prompt set, each write clears the current line first and redraws
// the prompt after it.
type StdPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	prompt string
}

func NewStdPrinter(w io.Writer) *StdPrinter { return &StdPrinter{w: w} }

func (p *StdPrinter) SetPrompt(prompt string) {
	p.mu.Lock()
	p.prompt = prompt
	p.mu.Unlock()
}

func (p *StdPrinter) Printf(format string, args ...any) { p.write(fmt.Sprintf(format, args...)) }

func (p *StdPrinter) Println(args ...any) { p.write(fmt.Sprintln(args...)) }

func (p *StdPrinter) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prompt == "" {
		_, _ = io.WriteString(p.w, s)
		return
	}
	_, _ = io.WriteString(p.w, "\r\033[K"+s+p.prompt)
}
