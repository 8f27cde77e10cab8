// Package testchild is a scripted MCP backend for tests. Test binaries call
// Active from TestMain and, when it returns true, hand control to Run so the
// binary itself acts as the child process. Command builds the launch
// parameters for such a child.
package testchild

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// EnvMode selects the script the child runs.
const EnvMode = "MCP_TESTCHILD_MODE"

// Modes understood by Run.
const (
	// ModeFull answers the handshake and serves the tools below.
	ModeFull = "full"
	// ModeAlpha lists its tools as bare names and serves only ping.
	ModeAlpha = "alpha"
	// ModeSilent reads requests and never answers, not even initialize.
	ModeSilent = "silent"
	// ModeEmpty completes the handshake but reports no tools.
	ModeEmpty = "empty"
	// ModeSlow answers initialize after SlowHandshake and then behaves like
	// ModeFull.
	ModeSlow = "slow"
	// ModeNameless lists a single tool whose name is empty.
	ModeNameless = "nameless"
	// ModeCrash exits before reading anything.
	ModeCrash = "crash"
	// ModeStubborn ignores SIGTERM and keeps running after stdin closes
	// until it is killed.
	ModeStubborn = "stubborn"
)

// SlowHandshake is how long ModeSlow waits before answering initialize.
const SlowHandshake = 500 * time.Millisecond

// Tools served in ModeFull:
//
//	echo   returns its arguments as the result
//	ping   returns {"pong":true}
//	sleep  waits arguments.ms milliseconds, then returns {"slept":ms}
//	hang   never answers
//	exit   terminates the process without answering
//	fail   answers with a JSON-RPC error {code:-32000,message:"tool failed",data:{"reason":"requested"}}
//	noise  writes a malformed line and a response for an unknown id before answering {"ok":true}
//	hangup closes stdout without answering and keeps running
//	deaf   never answers and stops reading stdin
var fullTools = []map[string]any{
	{"name": "echo", "description": "Echo the arguments back", "inputSchema": map[string]any{"type": "object"}},
	{"name": "ping", "description": "Reply with pong", "inputSchema": map[string]any{"type": "object"}},
	{"name": "sleep", "description": "Sleep then reply", "inputSchema": map[string]any{"type": "object"}},
	{"name": "hang", "description": "Never reply", "inputSchema": map[string]any{"type": "object"}},
	{"name": "exit", "description": "Exit the process", "inputSchema": map[string]any{"type": "object"}},
	{"name": "fail", "description": "Reply with an error", "inputSchema": map[string]any{"type": "object"}},
	{"name": "noise", "description": "Emit garbage before replying", "inputSchema": map[string]any{"type": "object"}},
	{"name": "hangup", "description": "Close stdout and keep running", "inputSchema": map[string]any{"type": "object"}},
	{"name": "deaf", "description": "Stop reading stdin", "inputSchema": map[string]any{"type": "object"}},
}

// Spec describes how to launch a child. It mirrors the fields of a stdio
// server configuration.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Active reports whether the current process was started as a test child.
func Active() bool {
	return os.Getenv(EnvMode) != ""
}

// Command returns launch parameters that re-run the current test binary as a
// child in the given mode.
func Command(mode string) Spec {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return Spec{
		Command: exe,
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{EnvMode: mode},
	}
}

// Run executes the script selected by EnvMode over stdin/stdout and returns
// the process exit code.
func Run() int {
	mode := os.Getenv(EnvMode)
	fmt.Fprintf(os.Stderr, "testchild starting in %s mode\n", mode)
	switch mode {
	case ModeCrash:
		return 3
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
	}
	s := &script{mode: mode, out: os.Stdout}
	s.serve(os.Stdin)
	if mode == ModeStubborn {
		time.Sleep(time.Hour)
	}
	return 0
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type script struct {
	mode string
	mu   sync.Mutex
	out  io.Writer
}

func (s *script) serve(in io.Reader) {
	r := bufio.NewReader(in)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var msg message
			if jsonErr := json.Unmarshal(line, &msg); jsonErr == nil && msg.Method != "" {
				s.handle(&msg)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *script) handle(msg *message) {
	if s.mode == ModeSilent || len(msg.ID) == 0 {
		return
	}
	switch msg.Method {
	case "initialize":
		if s.mode == ModeSlow {
			time.Sleep(SlowHandshake)
		}
		s.result(msg.ID, map[string]any{
			"protocolVersion": "0.1.0",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "testchild-" + s.mode, "version": "1.0.0"},
		})
	case "tools/list":
		switch s.mode {
		case ModeAlpha:
			s.result(msg.ID, map[string]any{"tools": []string{"ping"}})
		case ModeEmpty:
			s.result(msg.ID, map[string]any{})
		case ModeNameless:
			s.result(msg.ID, map[string]any{"tools": []map[string]any{{"name": ""}}})
		default:
			s.result(msg.ID, map[string]any{"tools": fullTools})
		}
	case "tools/call":
		s.callTool(msg)
	default:
		s.write(map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		})
	}
}

func (s *script) callTool(msg *message) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	switch params.Name {
	case "echo":
		s.result(msg.ID, params.Arguments)
	case "ping":
		s.result(msg.ID, map[string]any{"pong": true})
	case "sleep":
		var args struct {
			MS int `json:"ms"`
		}
		_ = json.Unmarshal(params.Arguments, &args)
		go func() {
			time.Sleep(time.Duration(args.MS) * time.Millisecond)
			s.result(msg.ID, map[string]any{"slept": args.MS})
		}()
	case "hang":
	case "hangup":
		s.mu.Lock()
		_ = os.Stdout.Close()
		s.out = io.Discard
		s.mu.Unlock()
	case "deaf":
		time.Sleep(time.Hour)
	case "exit":
		os.Exit(4)
	case "fail":
		s.write(map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"error": map[string]any{
				"code":    -32000,
				"message": "tool failed",
				"data":    map[string]any{"reason": "requested"},
			},
		})
	case "noise":
		s.writeRaw([]byte("this is not json\n"))
		s.write(map[string]any{"jsonrpc": "2.0", "id": 987654, "result": map[string]any{"stray": true}})
		s.result(msg.ID, map[string]any{"ok": true})
	default:
		s.write(map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"error":   map[string]any{"code": -32602, "message": "unknown tool " + params.Name},
		})
	}
}

func (s *script) result(id json.RawMessage, result any) {
	s.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *script) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.writeRaw(append(data, '\n'))
}

func (s *script) writeRaw(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(b)
}
