// Package console prints colored, titled log entries for humans watching the server.
//
// A single item prints on one line behind the kind's icon. Several items print as a group:
// a title line such as "⚠ WARNINGS" followed by the items, indented.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	Black   = lipgloss.Color("0")
	Red     = lipgloss.Color("1")
	Green   = lipgloss.Color("2")
	Yellow  = lipgloss.Color("3")
	Blue    = lipgloss.Color("4")
	Magenta = lipgloss.Color("5")
	Cyan    = lipgloss.Color("6")
	White   = lipgloss.Color("7")
)

// Kind is a category of console entry.
type Kind int

const (
	KindLog Kind = iota
	KindWarn
	KindError
	KindInfo
	KindSuccess
	KindDebug
	KindAssert
)

type kindStyle struct {
	fg    lipgloss.Color
	icon  string
	title string
}

var kindStyles = map[Kind]kindStyle{
	KindLog:     {fg: White, icon: "◎", title: "LOGS"},
	KindWarn:    {fg: Yellow, icon: "⚠", title: "WARNINGS"},
	KindError:   {fg: Red, icon: "✘", title: "ERRORS"},
	KindInfo:    {fg: Cyan, icon: "ℹ", title: "INFORMATIONS"},
	KindSuccess: {fg: Green, icon: "✔", title: "SUCCESS"},
	KindDebug:   {fg: Magenta, icon: "⚙", title: "DEBUG"},
	KindAssert:  {fg: Cyan, icon: "!", title: "ASSERT"},
}

const groupIndent = "  "

type Console struct {
	mu             sync.Mutex
	out            io.Writer
	renderer       *lipgloss.Renderer
	useIcons       bool
	closeByNewLine bool
	titles         map[Kind]string
}

type Option func(c *Console)

// WithOutput sets where entries are written. Colors are only used when w is a terminal.
func WithOutput(w io.Writer) Option {
	return func(c *Console) {
		c.out = w
	}
}

func WithIcons(useIcons bool) Option {
	return func(c *Console) {
		c.useIcons = useIcons
	}
}

// WithCloseByNewLine controls whether a blank line follows every entry.
func WithCloseByNewLine(b bool) Option {
	return func(c *Console) {
		c.closeByNewLine = b
	}
}

// WithTitle replaces the group title of a kind.
func WithTitle(k Kind, title string) Option {
	return func(c *Console) {
		c.titles[k] = title
	}
}

func New(opts ...Option) *Console {
	c := &Console{
		out:            os.Stdout,
		useIcons:       true,
		closeByNewLine: true,
		titles:         map[Kind]string{},
	}
	for k, s := range kindStyles {
		c.titles[k] = s.title
	}
	for _, o := range opts {
		o(c)
	}
	c.renderer = lipgloss.NewRenderer(c.out)
	return c
}

// Render turns an item into printable text. Values that are not text are rendered as JSON.
func Render(item any) string {
	switch v := item.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	case nil:
		return "null"
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprint(item)
	}
	return string(b)
}

func (c *Console) style(fg, bg lipgloss.TerminalColor) lipgloss.Style {
	s := c.renderer.NewStyle()
	if fg != nil {
		s = s.Foreground(fg)
	}
	if bg != nil {
		s = s.Background(bg)
	}
	return s
}

// paint styles each line on its own so multi-line text is not padded into a block.
func paint(s lipgloss.Style, indent, text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = indent + s.Render(l)
	}
	return strings.Join(lines, "\n")
}

// Print writes the items concatenated on one line, in the given colors. bg may be nil.
func (c *Console) Print(fg, bg lipgloss.TerminalColor, items ...any) {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(Render(item))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(paint(c.style(fg, bg), "", sb.String()))
}

func (c *Console) write(entry string) {
	if c.closeByNewLine {
		entry += "\n"
	}
	fmt.Fprintln(c.out, entry)
}

func (c *Console) entry(k Kind, items []any) {
	ks := kindStyles[k]
	s := c.style(ks.fg, nil)
	icon := ""
	if c.useIcons {
		icon = ks.icon + " "
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(items) <= 1 {
		text := ""
		if len(items) == 1 {
			text = Render(items[0])
		}
		c.write(paint(s, "", icon+text))
		return
	}

	lines := []string{paint(s, "", icon+c.titles[k])}
	for _, item := range items {
		lines = append(lines, paint(s, groupIndent, Render(item)))
	}
	c.write(strings.Join(lines, "\n"))
}

func (c *Console) Log(items ...any)     { c.entry(KindLog, items) }
func (c *Console) Warn(items ...any)    { c.entry(KindWarn, items) }
func (c *Console) Error(items ...any)   { c.entry(KindError, items) }
func (c *Console) Info(items ...any)    { c.entry(KindInfo, items) }
func (c *Console) Success(items ...any) { c.entry(KindSuccess, items) }
func (c *Console) Debug(items ...any)   { c.entry(KindDebug, items) }
func (c *Console) Assert(items ...any)  { c.entry(KindAssert, items) }

// Entry prints items as an entry of kind k.
func (c *Console) Entry(k Kind, items ...any) { c.entry(k, items) }
