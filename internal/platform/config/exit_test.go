package config

import (
	"bytes"
	"io"
	"os"
	"testing"
)

func TestExitfWritesAndExitsWithCode1(t *testing.T) {
	var buf bytes.Buffer
	code := -1
	stderr = &buf
	exit = func(c int) { code = c }
	t.Cleanup(func() {
		stderr = io.Writer(os.Stderr)
		exit = os.Exit
	})

	Exitf("fatal: %s", "something broke")

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if got := buf.String(); got != "fatal: something broke\n" {
		t.Fatalf("stderr = %q", got)
	}
}
