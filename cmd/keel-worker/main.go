// keel-worker is a reference worker for 'keel pool map': it reads framed
// requests from stdin, applies a transform, and writes one framed reply per
// request with the same frame id. Use it as a template for real workers.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drossel-lang/keel/internal/abi"
)

func main() {
	transform := flag.String("transform", "echo", "Payload transform: echo, upper, lower, reverse, wc")
	flag.Parse()

	fn, err := transformFunc(*transform)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keel-worker: %v\n", err)
		os.Exit(2)
	}
	if err := serve(os.Stdin, os.Stdout, fn); err != nil {
		fmt.Fprintf(os.Stderr, "keel-worker: %v\n", err)
		os.Exit(1)
	}
}

func transformFunc(name string) (func([]byte) []byte, error) {
	switch name {
	case "echo":
		return func(b []byte) []byte { return b }, nil
	case "upper":
		return bytes.ToUpper, nil
	case "lower":
		return bytes.ToLower, nil
	case "reverse":
		return reverse, nil
	case "wc":
		return func(b []byte) []byte {
			n := len(strings.Fields(string(b)))
			return []byte(fmt.Sprintf("%d", n))
		}, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", name)
	}
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// serve runs the frame loop until stdin reaches EOF, which is the pool's
// shutdown signal. Replies are flushed per frame so the pool never waits on
// a buffered response.
func serve(in io.Reader, out io.Writer, fn func([]byte) []byte) error {
	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	for {
		req, err := abi.DecodeFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode frame: %w", err)
		}
		reply := abi.Frame{ID: req.ID, Payload: fn(req.Payload)}
		if err := abi.EncodeFrame(w, &reply); err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
}
