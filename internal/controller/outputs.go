package controller

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Outputs emits string key/value pairs for the invoking workflow. When
// GITHUB_OUTPUT is set the pairs are appended there in the key=value
// format the platform expects; otherwise they go to out (normally
// stdout). Pairs are flushed the moment they are set -- the instance id
// in particular must be discoverable by a cleanup step even if a later
// stage fails.
type Outputs struct {
	mu  sync.Mutex
	out io.Writer
}

// NewOutputs creates an Outputs falling back to the given writer when
// GITHUB_OUTPUT is unset.
func NewOutputs(fallback io.Writer) *Outputs {
	return &Outputs{out: fallback}
}

// Set emits one key/value pair immediately.
func (o *Outputs) Set(key, value string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if path := os.Getenv("GITHUB_OUTPUT"); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		if _, err := fmt.Fprintf(f, "%s=%s\n", key, value); err != nil {
			return fmt.Errorf("write output %s: %w", key, err)
		}
		return nil
	}

	_, err := fmt.Fprintf(o.out, "%s=%s\n", key, value)
	return err
}
