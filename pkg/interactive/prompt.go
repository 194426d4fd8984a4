package interactive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Prompter asks questions on out and reads one trimmed line per answer.
// Every method returns io.EOF once input is exhausted so callers can leave
// their loops.
type Prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewPrompter wraps r unless it already is a *bufio.Reader, so several
// prompters over the same reader never lose buffered input.
func NewPrompter(r io.Reader, out io.Writer) *Prompter {
	if r == nil {
		r = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	reader, ok := r.(*bufio.Reader)
	if !ok {
		reader = bufio.NewReader(r)
	}
	return &Prompter{reader: reader, out: out}
}

// Reader exposes the buffered reader for components that share the input.
func (p *Prompter) Reader() *bufio.Reader {
	return p.reader
}

func (p *Prompter) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *Prompter) Println(args ...any) {
	fmt.Fprintln(p.out, args...)
}

// Line reads the next answer. A final line without a newline still counts.
func (p *Prompter) Line() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// String asks until a non-empty answer is given when required is set.
func (p *Prompter) String(label string, required bool) (string, error) {
	for {
		p.Printf("%s: ", label)
		input, err := p.Line()
		if err != nil {
			return "", err
		}
		if input == "" && required {
			p.Println("Please provide a value.")
			continue
		}
		return input, nil
	}
}

// StringDefault returns def for an empty answer. With no default it behaves
// like a required String.
func (p *Prompter) StringDefault(label, def string) (string, error) {
	if def == "" {
		return p.String(label, true)
	}
	p.Printf("%s [%s]: ", label, def)
	input, err := p.Line()
	if err != nil {
		return "", err
	}
	if input == "" {
		return def, nil
	}
	return input, nil
}

func (p *Prompter) Int(question string, def int) (int, error) {
	for {
		p.Printf("%s [%d]: ", question, def)
		input, err := p.Line()
		if err != nil {
			return 0, err
		}
		if input == "" {
			return def, nil
		}
		value, err := strconv.Atoi(input)
		if err != nil {
			p.Println("Please enter a valid number.")
			continue
		}
		return value, nil
	}
}

func (p *Prompter) YesNo(question string, def bool) (bool, error) {
	suffix := "(y/N)"
	if def {
		suffix = "(Y/n)"
	}
	for {
		p.Printf("%s %s ", question, suffix)
		input, err := p.Line()
		if err != nil {
			return false, err
		}
		if answer, ok := parseYesNo(input, def); ok {
			return answer, nil
		}
		p.Println("Please answer with y or n.")
	}
}

func parseYesNo(input string, def bool) (bool, bool) {
	switch strings.ToLower(input) {
	case "":
		return def, true
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	}
	return false, false
}
