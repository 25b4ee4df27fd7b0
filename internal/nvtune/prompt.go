package nvtune

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// linePrompter asks yes/no questions on a terminal still in line mode,
// before the session takes it over.
type linePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

func (p *linePrompter) Confirm(question string) (bool, error) {
	for {
		fmt.Fprintf(p.out, "%s [y/N]: ", question)
		line, err := p.in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch answer {
		case "y", "yes":
			return true, nil
		case "", "n", "no":
			if err != nil && err != io.EOF {
				return false, err
			}
			return false, nil
		}
		if err != nil {
			return false, err
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
}
