package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("32"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("31"))
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("36"))
	linkStyle     = lipgloss.NewStyle().Underline(true)
)

// progressWidth is the number of cells of the progress bar.
const progressWidth = 20

type Printer struct {
	stream io.Writer
	indent string

	// mu guards the live progress line, uploads report from several goroutines
	mu       sync.Mutex
	liveLine bool
}

// NewPrinter creates a new Printer instance with the specified output stream.
// With noColor set every style renders as plain text.
func NewPrinter(stream io.Writer, noColor bool) *Printer {
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		os.Setenv("CLICOLOR_FORCE", "1")
	}

	return &Printer{
		stream: stream,
		indent: "  ",
	}
}

func (p *Printer) Info(emoji string, format string, a ...any) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLiveLine()
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintf(p.stream, prefix+format+"\n", a...)
}

func (p *Printer) Success(emoji string, format string, a ...any) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLiveLine()
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, successStyle.Render(fmt.Sprintf(prefix+format, a...)))
}

func (p *Printer) Warn(emoji string, format string, a ...any) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLiveLine()
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, warnStyle.Render(fmt.Sprintf(prefix+format, a...)))
}

func (p *Printer) Error(emoji string, format string, a ...any) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLiveLine()
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, errorStyle.Render(fmt.Sprintf(prefix+format, a...)))
}

// Link prints a shareable link on its own line.
func (p *Printer) Link(emoji string, label string, link string) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLiveLine()
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, prefix+label+" "+linkStyle.Render(link))
}

// Progress redraws the live progress line in place.
func (p *Printer) Progress(name string, percent float64, speed string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf("%s%s %5.1f%% %s %s", p.indent, progressBar(percent), percent, speed, name)

	// \r returns to the line start, \x1b[K clears what a longer previous line left behind
	_, _ = fmt.Fprint(p.stream, "\r"+progressStyle.Render(line)+"\x1b[K")
	p.liveLine = true
}

// endLiveLine moves past the progress line so the next message starts on a fresh line.
func (p *Printer) endLiveLine() {
	if p.liveLine {
		_, _ = fmt.Fprintln(p.stream)
		p.liveLine = false
	}
}

func progressBar(percent float64) string {
	percent = min(max(percent, 0), 100)
	filled := int(percent / 100 * progressWidth)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", progressWidth-filled) + "]"
}

func withEmoji(emoji string) string {
	if emoji == "" {
		return ""
	}
	return emoji + " "
}
