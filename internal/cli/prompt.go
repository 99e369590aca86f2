package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// prompter asks questions on a terminal. Secrets are read without echo when
// the input is a terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{in: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd, p.tty = int(f.Fd()), true
	}
	return p
}

func (p *prompter) line() (string, error) {
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// ask returns the answer, or def when the answer is empty.
func (p *prompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	s, err := p.line()
	if err != nil {
		return "", err
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

// required repeats the question until the answer is not empty.
func (p *prompter) required(question string) (string, error) {
	for {
		s, err := p.ask(question, "")
		if err != nil || s != "" {
			return s, err
		}
		fmt.Fprintln(p.out, "  a value is required")
	}
}

func (p *prompter) secret(question string) (string, error) {
	if !p.tty {
		return p.required(question)
	}
	for {
		fmt.Fprintf(p.out, "%s: ", question)
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("reading from stdin: %w", err)
		}
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, nil
		}
		fmt.Fprintln(p.out, "  a value is required")
	}
}

func (p *prompter) confirm(question string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	s, err := p.ask(question+" ("+hint+")", "")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(s) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// number asks for a positive integer.
func (p *prompter) number(question string, def int64) (int64, error) {
	for {
		s, err := p.ask(question, strconv.FormatInt(def, 10))
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil && n > 0 {
			return n, nil
		}
		fmt.Fprintf(p.out, "  %q is not a positive number\n", s)
	}
}

// choose asks for one of options.
func (p *prompter) choose(question string, options []string, def string) (string, error) {
	for {
		s, err := p.ask(fmt.Sprintf("%s (%s)", question, strings.Join(options, ", ")), def)
		if err != nil {
			return "", err
		}
		for _, o := range options {
			if strings.EqualFold(o, s) {
				return o, nil
			}
		}
		fmt.Fprintf(p.out, "  %q is not one of %s\n", s, strings.Join(options, ", "))
	}
}
