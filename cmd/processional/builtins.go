package main

import (
	"context"
	"errors"
	"os"
	"time"

	processional "github.com/processional/golang"
)

// Counter is a stateful object served for proxies.
type Counter struct {
	Count int
}

func (c *Counter) Incr(by int) int {
	c.Count += by
	return c.Count
}

func (c *Counter) Value() int { return c.Count }

// registerBuiltins exposes the functions every slave started by this
// command offers.
func registerBuiltins(slave *processional.Slave) error {
	builtins := map[string]any{
		"echo": func(v any) any { return v },
		"add": func(a, b float64) float64 {
			return a + b
		},
		"double": func(x int) int { return x * 2 },
		"divide": func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, errors.New("division by zero")
			}
			return a / b, nil
		},
		"sleep": func(ctx context.Context, seconds float64) error {
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		"hostname": os.Hostname,
		"pid":      os.Getpid,
		"counter":  func() *Counter { return &Counter{} },
	}
	for name, fn := range builtins {
		if err := slave.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}
