package bootstrap

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
)

// Command is one host command to execute, with the explicit environment
// and user it needs. Proxy settings travel here rather than through
// ambient process state so the sequence stays testable.
type Command struct {
	Name string
	Args []string
	Dir  string

	// Env is added on top of the process environment.
	Env map[string]string

	// User runs the command as this user (via sudo) when set.
	User string
}

// Host abstracts the node's operating system surface. The real
// implementation shells out; tests inject a recorder.
type Host interface {
	Run(ctx context.Context, cmd Command) error
	WriteFile(path string, data []byte, perm fs.FileMode) error
	AppendFile(path string, data []byte, perm fs.FileMode) error
	MkdirAll(path string, perm fs.FileMode) error
}

// LocalHost is the real Host used on the node.
type LocalHost struct{}

var _ Host = LocalHost{}

func (LocalHost) Run(ctx context.Context, cmd Command) error {
	name := cmd.Name
	args := cmd.Args
	if cmd.User != "" {
		args = append([]string{"-u", cmd.User, "-E", name}, args...)
		name = "sudo"
	}

	c := exec.CommandContext(ctx, name, args...)
	c.Dir = cmd.Dir
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr

	if err := c.Run(); err != nil {
		return fmt.Errorf("run %s: %w", cmd.Name, err)
	}
	return nil
}

func (LocalHost) WriteFile(path string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (LocalHost) AppendFile(path string, data []byte, perm fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (LocalHost) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}
