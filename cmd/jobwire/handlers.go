package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aura-studio/jobwire"
)

// Built-in handlers for smoke-testing a deployment end to end.
func builtinHandler(name string) (jobwire.Handler, error) {
	switch name {
	case "echo":
		return echoHandler, nil
	case "sleep":
		return sleepHandler, nil
	case "fail":
		return failHandler, nil
	default:
		return nil, fmt.Errorf("unknown handler %q; use echo|sleep|fail", name)
	}
}

func echoHandler(_ context.Context, job *jobwire.Job) (any, error) {
	return job.Data, nil
}

type sleepPayload struct {
	Ms int `json:"ms"`
}

func sleepHandler(ctx context.Context, job *jobwire.Job) (any, error) {
	var p sleepPayload
	if err := job.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(p.Ms) * time.Millisecond):
	}
	return map[string]int{"slept_ms": p.Ms}, nil
}

func failHandler(_ context.Context, job *jobwire.Job) (any, error) {
	var msg string
	if err := json.Unmarshal(job.Data, &msg); err != nil || msg == "" {
		msg = "requested failure"
	}
	return nil, errors.New(msg)
}
