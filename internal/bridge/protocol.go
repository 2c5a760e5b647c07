// Package bridge implements the Python Runtime Bridge: a
// single, persistent python3 subprocess that imports test modules, drives
// fixture callables (including generator fixtures) through their yield
// points, and invokes test functions, all over a JSON control-message
// protocol modeled directly on chromiumos/tast/internal/control.
//
// Karva keeps exactly one request in flight at a time, mirroring CPython's
// single-threaded cooperative execution model: a generator fixture that is
// paused at its yield still owns interpreter state, so only one call can be
// outstanding on the subprocess at any moment.
package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// request is implemented by every message karva sends to the subprocess
// driver.
type request interface{ isRequest() }

// ImportRequest asks the driver to import a module by absolute file path
// and report any import exception plus the output captured while importing.
type ImportRequest struct {
	CallID string `json:"importCallID"`
	Path   string `json:"importPath"`
}

func (*ImportRequest) isRequest() {}

// SetUpRequest asks the driver to call a fixture's callable (or advance a
// generator fixture to its first yield) with the given already-resolved
// dependency values.
type SetUpRequest struct {
	CallID     string                 `json:"setUpCallID"`
	ModulePath string                 `json:"setUpModulePath"`
	Name       string                 `json:"setUpName"`
	Param      *json.RawMessage       `json:"setUpParam,omitempty"`
	Deps       map[string]interface{} `json:"setUpDeps"`
}

func (*SetUpRequest) isRequest() {}

// TearDownRequest asks the driver to resume a generator fixture past its
// yield point, identified by the token returned from its SetUpResponse.
// Non-generator fixtures never produce a token and are never torn down.
type TearDownRequest struct {
	CallID string `json:"tearDownCallID"`
	Token  string `json:"tearDownToken"`
}

func (*TearDownRequest) isRequest() {}

// DynamicScopeRequest asks the driver to call a fixture's scope= callable.
type DynamicScopeRequest struct {
	CallID     string `json:"dynScopeCallID"`
	ModulePath string `json:"dynScopeModulePath"`
	Name       string `json:"dynScopeName"`
}

func (*DynamicScopeRequest) isRequest() {}

// RunTestRequest asks the driver to call a test function with its resolved
// fixture values bound by name.
type RunTestRequest struct {
	CallID     string                 `json:"runTestCallID"`
	ModulePath string                 `json:"runTestModulePath"`
	Name       string                 `json:"runTestName"`
	Args       map[string]interface{} `json:"runTestArgs"`
}

func (*RunTestRequest) isRequest() {}

// EvalExprRequest asks the driver to evaluate a single Python expression
// (the source text of a skip/expect_fail condition argument that wasn't a
// literal) in the context of a module's globals, returning its truthiness.
type EvalExprRequest struct {
	CallID     string `json:"evalCallID"`
	ModulePath string `json:"evalModulePath"`
	Expr       string `json:"evalExpr"`
}

func (*EvalExprRequest) isRequest() {}

// ListFixturesRequest asks the driver to import a module and report every
// fixture definition observable at runtime via karva decorator metadata.
type ListFixturesRequest struct {
	CallID string `json:"listFixturesCallID"`
	Path   string `json:"listFixturesPath"`
}

func (*ListFixturesRequest) isRequest() {}

// ShutdownRequest asks the driver to exit cleanly.
type ShutdownRequest struct {
	CallID string `json:"shutdownCallID"`
}

func (*ShutdownRequest) isRequest() {}

// response is implemented by every message the driver sends back.
type response interface{ isResponse() }

// PyException captures a Python exception raised during a call.
type PyException struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback"`
}

// ImportResponse reports the outcome of an ImportRequest.
type ImportResponse struct {
	CallID string       `json:"importCallID"`
	Error  *PyException `json:"importError,omitempty"`
	Stdout string       `json:"importStdout"`
	Stderr string       `json:"importStderr"`
}

func (*ImportResponse) isResponse() {}

// CallResponse reports the outcome of a SetUpRequest, TearDownRequest,
// DynamicScopeRequest, EvalExprRequest, RunTestRequest, or
// ListFixturesRequest.
type CallResponse struct {
	CallID string           `json:"callCallID"`
	Value  *json.RawMessage `json:"callValue,omitempty"`
	Token  string           `json:"callToken,omitempty"`
	Error  *PyException     `json:"callError,omitempty"`
	Stdout string           `json:"callStdout"`
	Stderr string           `json:"callStderr"`
}

func (*CallResponse) isResponse() {}

// messageUnion is the wire shape exchanged with the driver: exactly one
// field is non-nil per message, matching chromiumos/tast/internal/control's
// messageUnion convention for inferring a message's concrete type from
// which field decoded non-nil.
type messageUnion struct {
	Import     *ImportRequest       `json:"import,omitempty"`
	SetUp      *SetUpRequest        `json:"setUp,omitempty"`
	TearDown   *TearDownRequest     `json:"tearDown,omitempty"`
	DynScope   *DynamicScopeRequest `json:"dynScope,omitempty"`
	RunTest    *RunTestRequest      `json:"runTest,omitempty"`
	Eval       *EvalExprRequest     `json:"eval,omitempty"`
	ListFix    *ListFixturesRequest `json:"listFixtures,omitempty"`
	Shutdown   *ShutdownRequest     `json:"shutdown,omitempty"`
	ImportResp *ImportResponse      `json:"importResp,omitempty"`
	CallResp   *CallResponse        `json:"callResp,omitempty"`
}

// requestWriter serializes requests to the subprocess's stdin.
type requestWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newRequestWriter(w io.Writer) *requestWriter {
	return &requestWriter{enc: json.NewEncoder(w)}
}

func (rw *requestWriter) write(req request) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	switch v := req.(type) {
	case *ImportRequest:
		return rw.enc.Encode(&messageUnion{Import: v})
	case *SetUpRequest:
		return rw.enc.Encode(&messageUnion{SetUp: v})
	case *TearDownRequest:
		return rw.enc.Encode(&messageUnion{TearDown: v})
	case *DynamicScopeRequest:
		return rw.enc.Encode(&messageUnion{DynScope: v})
	case *RunTestRequest:
		return rw.enc.Encode(&messageUnion{RunTest: v})
	case *EvalExprRequest:
		return rw.enc.Encode(&messageUnion{Eval: v})
	case *ListFixturesRequest:
		return rw.enc.Encode(&messageUnion{ListFix: v})
	case *ShutdownRequest:
		return rw.enc.Encode(&messageUnion{Shutdown: v})
	default:
		return fmt.Errorf("bridge: unable to encode request of unknown type %T", req)
	}
}

// responseReader deserializes responses from the subprocess's stdout.
type responseReader json.Decoder

func newResponseReader(r io.Reader) *responseReader {
	return (*responseReader)(json.NewDecoder(r))
}

func (rr *responseReader) read() (response, error) {
	dec := (*json.Decoder)(rr)
	var mu messageUnion
	if err := dec.Decode(&mu); err != nil {
		return nil, fmt.Errorf("bridge: unable to decode response: %w", err)
	}
	switch {
	case mu.ImportResp != nil:
		return mu.ImportResp, nil
	case mu.CallResp != nil:
		return mu.CallResp, nil
	default:
		return nil, fmt.Errorf("bridge: response with no recognized field set")
	}
}
