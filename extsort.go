package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// sortPipe streams the output of the host sort(1) utility over the contents
// of a file. Percentile and threshold sweeps rely on sort's larger-than-memory
// behavior, so the work is delegated rather than done in-process.
type sortPipe struct {
	cmd *exec.Cmd
	in  *os.File
	out io.ReadCloser
}

// startSort launches `sort -k1,1g [extra...]` with path as stdin.
func startSort(path string, extra []string) (*sortPipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	args := append([]string{"-k1,1g"}, extra...)
	cmd := exec.Command("sort", args...)
	cmd.Stdin = f
	cmd.Stderr = os.Stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sort: %w", err)
	}
	return &sortPipe{cmd: cmd, in: f, out: out}, nil
}

func (p *sortPipe) Read(b []byte) (int, error) { return p.out.Read(b) }

// Close drains the pipe and reaps the child; a non-zero exit becomes the
// returned error.
func (p *sortPipe) Close() error {
	io.Copy(io.Discard, p.out)
	p.out.Close()
	p.in.Close()
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("sort: %w", err)
	}
	return nil
}
