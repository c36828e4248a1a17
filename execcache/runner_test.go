package execcache

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPythonRunner_InterpreterMissing(t *testing.T) {
	r := NewPythonRunner()
	r.lookPath = func(string) (string, error) {
		return "", errors.New("not found")
	}

	require.False(t, r.Ready())

	result := r.Run(context.Background(), `print("hi")`)
	require.Empty(t, result.Output)
	require.Equal(t, "python runtime not available", result.Error)
}

func TestPythonRunner_InitMemoized(t *testing.T) {
	var lookups atomic.Int32
	r := NewPythonRunner()
	r.lookPath = func(string) (string, error) {
		lookups.Add(1)
		return "", errors.New("not found")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.False(t, r.Ready())
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, lookups.Load(), "concurrent first use shares one lookup")
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
}

func TestPythonRunner_Run(t *testing.T) {
	requirePython(t)

	r := NewPythonRunner()
	require.True(t, r.Ready())

	result := r.Run(context.Background(), `print(6 * 7)`)
	require.Empty(t, result.Error)
	require.Equal(t, "42\n", result.Output)
}

func TestPythonRunner_RunError(t *testing.T) {
	requirePython(t)

	r := NewPythonRunner()

	result := r.Run(context.Background(), `this is not python`)
	require.Contains(t, result.Error, "SyntaxError")
}

func TestPythonRunner_Timeout(t *testing.T) {
	requirePython(t)

	r := NewPythonRunner(WithRunTimeout(100 * time.Millisecond))

	result := r.Run(context.Background(), `import time; time.sleep(5)`)
	require.Equal(t, "execution timed out", result.Error)
}
