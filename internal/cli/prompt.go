package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// prompter reads interactive answers. Passwords are read without echo when
// the input is a terminal.
type prompter struct {
	in     *bufio.Reader
	out    io.Writer
	stdin  io.Reader
	isTerm func() bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{
		in:    bufio.NewReader(in),
		out:   out,
		stdin: in,
		isTerm: func() bool {
			f, ok := in.(*os.File)
			return ok && term.IsTerminal(int(f.Fd()))
		},
	}
}

func (p *prompter) line() (string, error) {
	input, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// ask shows def in brackets and returns it for an empty answer.
func (p *prompter) ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	v, err := p.line()
	if err != nil {
		return "", err
	}
	if v == "" {
		return def, nil
	}
	return v, nil
}

// require repeats the question until a non-empty answer is given.
func (p *prompter) require(label, def string) (string, error) {
	for {
		v, err := p.ask(label, def)
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
		fmt.Fprintf(p.out, "  Error: %s is required\n", strings.ToLower(label))
	}
}

func (p *prompter) askInt(label string, def int) (int, error) {
	for {
		v, err := p.ask(label, strconv.Itoa(def))
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return n, nil
		}
		fmt.Fprintf(p.out, "  Error: %s must be a positive number\n", strings.ToLower(label))
	}
}

func (p *prompter) password(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)
	if p.isTerm() {
		f := p.stdin.(*os.File)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return p.line()
}

func (p *prompter) confirm(label string) (bool, error) {
	v, err := p.ask(label+" [y/N]", "")
	if err != nil {
		return false, err
	}
	v = strings.ToLower(v)
	return v == "y" || v == "yes", nil
}
