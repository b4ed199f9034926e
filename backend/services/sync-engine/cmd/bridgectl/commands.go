package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"fleetsync/backend/services/sync-engine/internal/bridge"
)

// request carries everything one operation may need.
type request struct {
	client    *bridge.Client
	args      []string
	accessURL string
	monitor   <-chan bridge.Message
	out       io.Writer
}

type operation struct {
	// offline operations run without opening the device link.
	offline bool
	run     func(ctx context.Context, req request) (any, error)
}

var operations = map[string]operation{
	bridge.CmdVersion: {offline: true, run: func(ctx context.Context, req request) (any, error) {
		return req.client.Version(ctx)
	}},
	bridge.CmdParse: {offline: true, run: func(ctx context.Context, req request) (any, error) {
		url := req.accessURL
		if len(req.args) > 0 {
			url = req.args[0]
		}
		if url == "" {
			return nil, errors.New("parse needs a URL argument or --url")
		}
		return req.client.ParseURL(ctx, url)
	}},
	bridge.CmdQuit: {offline: true, run: func(ctx context.Context, req request) (any, error) {
		if err := req.client.Stop(); err != nil {
			return nil, err
		}
		return map[string]bool{"stopped": true}, nil
	}},
	bridge.CmdConnect: {run: func(ctx context.Context, req request) (any, error) {
		return map[string]bool{"connected": true}, nil
	}},
	bridge.CmdDisconnect: {run: func(ctx context.Context, req request) (any, error) {
		if err := req.client.Disconnect(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"connected": false}, nil
	}},
	bridge.CmdStatus: {run: func(ctx context.Context, req request) (any, error) {
		return req.client.Status(ctx)
	}},
	bridge.CmdInfo: {run: func(ctx context.Context, req request) (any, error) {
		return req.client.Info(ctx)
	}},
	bridge.CmdMonitor: {run: func(ctx context.Context, req request) (any, error) {
		return req.client.Monitor(ctx)
	}},
	bridge.CmdStatistics: {run: func(ctx context.Context, req request) (any, error) {
		return req.client.Statistics(ctx)
	}},
	bridge.CmdFGStatistics: {run: func(ctx context.Context, req request) (any, error) {
		return req.client.FuelGaugeStatistics(ctx)
	}},
	bridge.CmdLogFiles: {run: func(ctx context.Context, req request) (any, error) {
		return req.client.LogFiles(ctx)
	}},
	bridge.CmdReadLog: {run: runReadLog},
	bridge.CmdStream:  {run: runStream},
}

func commandNames() []string {
	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func intArgs(args []string, names ...string) ([]int64, error) {
	if len(args) != len(names) {
		return nil, fmt.Errorf("expected arguments %v", names)
	}
	out := make([]int64, len(args))
	for i, arg := range args {
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", names[i], err)
		}
		out[i] = n
	}
	return out, nil
}

func runReadLog(ctx context.Context, req request) (any, error) {
	n, err := intArgs(req.args, "file", "offset", "size")
	if err != nil {
		return nil, err
	}
	data, err := req.client.ReadLog(ctx, n[0], n[1], n[2])
	if err != nil {
		return nil, err
	}
	return map[string]any{"file": n[0], "offset": n[1], "size": len(data), "data": data}, nil
}

// runStream starts a push stream and prints each monitor reading as one JSON
// line until count readings arrived or ctx ends. The bridge never answers the
// stream command itself.
func runStream(ctx context.Context, req request) (any, error) {
	n, err := intArgs(req.args, "intervalMs", "count")
	if err != nil {
		return nil, err
	}
	interval, count := time.Duration(n[0])*time.Millisecond, int(n[1])
	if err := req.client.StartStream(interval, count); err != nil {
		return nil, err
	}

	enc := json.NewEncoder(req.out)
	received := 0
	for received < count {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stream: %d of %d readings: %w", received, count, ctx.Err())
		case msg := <-req.monitor:
			data, err := bridge.DecodeMonitorEvent(msg)
			if err != nil {
				return nil, err
			}
			if err := enc.Encode(data); err != nil {
				return nil, err
			}
			received++
		}
	}
	return map[string]int{"received": received}, nil
}

// monitorHooks forwards pushed monitor events to a buffered channel, dropping
// readings nobody is waiting for.
func monitorHooks(buffer int) (bridge.Hooks, <-chan bridge.Message) {
	ch := make(chan bridge.Message, buffer)
	return bridge.Hooks{OnEvent: func(msg bridge.Message) {
		if msg.Type != bridge.TypeEvent || msg.Event != bridge.EventMonitor {
			return
		}
		select {
		case ch <- msg:
		default:
		}
	}}, ch
}

// execute runs one operation, connecting first unless it is offline.
func execute(ctx context.Context, name string, req request) (any, error) {
	op, ok := operations[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q (known: %v)", name, commandNames())
	}
	if !op.offline {
		if req.accessURL == "" {
			return nil, fmt.Errorf("command %q needs --url", name)
		}
		if err := req.client.Connect(ctx, req.accessURL); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}
	return op.run(ctx, req)
}
