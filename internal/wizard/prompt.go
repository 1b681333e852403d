package wizard

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

// Prompter reads wizard answers line by line. Every typed prompt re-asks
// until the answer parses, so a config written by the wizard always loads.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// readLine returns the next trimmed line, or "" once the input is exhausted.
func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

// Ask prints question with its default in brackets and returns the typed
// line, or the default when the line is empty.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// askValid repeats Ask until valid accepts the answer, printing hint under
// the question after each rejection.
func (p *Prompter) askValid(question, defaultVal, hint string, valid func(string) bool) string {
	for {
		ans := p.Ask(question, defaultVal)
		if valid(ans) {
			return ans
		}
		_, _ = fmt.Fprintf(p.Out, "  %s\n", hint)
	}
}

// AskPassword reads a line without echo when stdin is a terminal and falls
// back to a plain read for piped input.
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

const positiveHint = "Please enter a positive number."

// AskInt asks for a positive whole number such as a count of days.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	ans := p.askValid(question, strconv.Itoa(defaultVal), positiveHint, func(s string) bool {
		n, err := strconv.Atoi(s)
		return err == nil && n > 0
	})
	n, _ := strconv.Atoi(ans)
	return n
}

// AskRate asks for a positive decimal such as requests per second.
func (p *Prompter) AskRate(question string, defaultVal float64) float64 {
	ans := p.askValid(question, strconv.FormatFloat(defaultVal, 'f', -1, 64), positiveHint, func(s string) bool {
		d, err := decimal.NewFromString(s)
		return err == nil && d.IsPositive()
	})
	return decimal.RequireFromString(ans).InexactFloat64()
}

// AskDuration asks for a positive Go duration such as "30m" or "2h".
func (p *Prompter) AskDuration(question string, defaultVal time.Duration) time.Duration {
	ans := p.askValid(question, defaultVal.String(), `Please enter a duration like "30m" or "2h".`, func(s string) bool {
		d, err := time.ParseDuration(s)
		return err == nil && d > 0
	})
	d, _ := time.ParseDuration(ans)
	return d
}

// AskLocation asks for an IANA time zone name. An empty answer means the
// host's local zone and is returned as "".
func (p *Prompter) AskLocation(question string) string {
	return p.askValid(question, "", "Unknown time zone, try a name like Europe/Berlin.", func(s string) bool {
		if s == "" {
			return true
		}
		_, err := time.LoadLocation(s)
		return err == nil
	})
}

// AskAddr asks for a listen address in host:port form. The host may be empty.
func (p *Prompter) AskAddr(question, defaultVal string) string {
	return p.askValid(question, defaultVal, `Please enter an address like ":8080" or "127.0.0.1:8080".`, func(s string) bool {
		_, port, err := net.SplitHostPort(s)
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(port)
		return err == nil && n >= 1 && n <= 65535
	})
}

// Choose prints the numbered options and returns the one picked.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintf(p.Out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}
	hint := fmt.Sprintf("Please enter a number between 1 and %d.", len(options))
	ans := p.askValid("Choice", strconv.Itoa(defaultIdx+1), hint, func(s string) bool {
		n, err := strconv.Atoi(s)
		return err == nil && n >= 1 && n <= len(options)
	})
	n, _ := strconv.Atoi(ans)
	return options[n-1]
}

// Confirm asks a yes/no question. Anything other than y, yes, n or no is
// asked again.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.askValid(fmt.Sprintf("%s [%s]", question, hint), "", "Please answer y or n.", func(s string) bool {
		switch strings.ToLower(s) {
		case "", "y", "yes", "n", "no":
			return true
		}
		return false
	})
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
