package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/MatthewMckee4/karva/internal/bridge/driver"
	"github.com/MatthewMckee4/karva/internal/discover"
	"github.com/MatthewMckee4/karva/internal/errors"
	"github.com/MatthewMckee4/karva/internal/normalize"
	"github.com/MatthewMckee4/karva/internal/pyast"
)

// Process manages a single python3 subprocess running the karva driver
// script and speaks the protocol in protocol.go with it. A Process is not
// safe for concurrent use: karva's worker architecture runs one Process
// per worker, and within a worker only one call is ever
// outstanding (see the package doc).
type Process struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	w          *requestWriter
	r          *responseReader
	mu         sync.Mutex
	nextID     int64
	tokens     tokenStore
	scriptPath string
}

// Start launches a python3 subprocess running the embedded driver script
// (internal/bridge/driver.Script) and connects stdin/stdout as the control
// channel. projectRoot is prepended to the interpreter's import path so
// test modules can import their own project packages. Stderr is inherited
// so interpreter-level crashes are visible in worker logs. The script is
// materialized to a fresh temp file per Process so concurrently-running
// workers never share or race on it.
func Start(ctx context.Context, pythonExe, projectRoot string) (*Process, error) {
	if pythonExe == "" {
		pythonExe = "python3"
	}
	f, err := os.CreateTemp("", "karva-driver-*.py")
	if err != nil {
		return nil, errors.Wrap(err, "materializing bridge driver script")
	}
	scriptPath := f.Name()
	if _, err := f.WriteString(driver.Script); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "writing bridge driver script")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "closing bridge driver script")
	}

	cmd := exec.CommandContext(ctx, pythonExe, "-u", scriptPath, projectRoot)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating bridge stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating bridge stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting python bridge subprocess")
	}
	return &Process{
		cmd:        cmd,
		stdin:      stdin,
		w:          newRequestWriter(stdin),
		r:          newResponseReader(bufio.NewReader(stdout)),
		scriptPath: scriptPath,
	}, nil
}

// Close asks the driver to exit, waits for the subprocess to terminate, and
// removes the temp script file Start materialized.
func (p *Process) Close() error {
	_ = p.w.write(&ShutdownRequest{CallID: p.newCallID()})
	p.stdin.Close()
	err := p.cmd.Wait()
	os.Remove(p.scriptPath)
	return err
}

func (p *Process) newCallID() string {
	return fmt.Sprintf("c%d", atomic.AddInt64(&p.nextID, 1))
}

// roundTrip sends req and reads back the next response. Since at most one
// call is ever in flight, responses are read in strict FIFO order; the
// response's CallID is not compared against req's.
func (p *Process) roundTrip(req request) (response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.w.write(req); err != nil {
		return nil, errors.Wrap(err, "writing bridge request")
	}
	resp, err := p.r.read()
	if err != nil {
		return nil, errors.Wrap(err, "reading bridge response")
	}
	return resp, nil
}

// Import asks the driver to import the module at path, returning a
// collection error message if the import raised an exception.
func (p *Process) Import(path string) error {
	resp, err := p.roundTrip(&ImportRequest{CallID: p.newCallID(), Path: path})
	if err != nil {
		return err
	}
	ir, ok := resp.(*ImportResponse)
	if !ok {
		return errors.Errorf("bridge: expected import response, got %T", resp)
	}
	if ir.Error != nil {
		return errors.Errorf("%s: %s", ir.Error.Type, ir.Error.Message)
	}
	return nil
}

// SetUp implements fixture.Runtime.
func (p *Process) SetUp(ctx context.Context, nf *normalize.NormalizedFixture, deps map[string]interface{}) (interface{}, error) {
	req := &SetUpRequest{
		CallID:     p.newCallID(),
		ModulePath: nf.Def.Loc.Path,
		Name:       nf.Def.Name,
		Deps:       deps,
	}
	if nf.Param != nil {
		raw, err := valueToRaw(*nf.Param)
		if err != nil {
			return nil, err
		}
		req.Param = raw
	}
	resp, err := p.roundTrip(req)
	if err != nil {
		return nil, err
	}
	cr, ok := resp.(*CallResponse)
	if !ok {
		return nil, errors.Errorf("bridge: expected call response, got %T", resp)
	}
	if cr.Error != nil {
		return nil, &ExecutionError{Exception: *cr.Error}
	}
	p.tokens.store(nf.ID, cr.Token)
	return decodeValue(cr.Value)
}

// TearDown implements fixture.Runtime.
func (p *Process) TearDown(ctx context.Context, nf *normalize.NormalizedFixture, val interface{}) error {
	token, ok := p.tokens.load(nf.ID)
	if !ok || token == "" {
		// Non-generator fixtures never produce a token and need no teardown.
		return nil
	}
	resp, err := p.roundTrip(&TearDownRequest{CallID: p.newCallID(), Token: token})
	if err != nil {
		return err
	}
	cr, ok := resp.(*CallResponse)
	if !ok {
		return errors.Errorf("bridge: expected call response, got %T", resp)
	}
	if cr.Error != nil {
		return &ExecutionError{Exception: *cr.Error}
	}
	return nil
}

// ResolveDynamicScope implements fixture.Runtime.
func (p *Process) ResolveDynamicScope(ctx context.Context, nf *normalize.NormalizedFixture) (discover.Scope, error) {
	resp, err := p.roundTrip(&DynamicScopeRequest{
		CallID:     p.newCallID(),
		ModulePath: nf.Def.Loc.Path,
		Name:       nf.Def.Name,
	})
	if err != nil {
		return "", err
	}
	cr, ok := resp.(*CallResponse)
	if !ok {
		return "", errors.Errorf("bridge: expected call response, got %T", resp)
	}
	if cr.Error != nil {
		return "", &ExecutionError{Exception: *cr.Error}
	}
	var scope string
	if err := decodeInto(cr.Value, &scope); err != nil {
		return "", err
	}
	return discover.Scope(scope), nil
}

// RuntimeFixture is one fixture definition observed by importing a module
// and reflecting on it, used when try-import-fixtures is enabled to
// resolve decorator arguments the AST could not bind literally.
type RuntimeFixture struct {
	Name     string        `json:"name"`
	Scope    string        `json:"scope"`
	AutoUse  bool          `json:"autouse"`
	IsGen    bool          `json:"isGen"`
	Requires []string      `json:"requires"`
	Params   []interface{} `json:"params"`
	Line     int           `json:"line"`
}

// ListFixtures imports the module at path and returns every fixture
// definition observable at runtime via the karva decorator's metadata.
func (p *Process) ListFixtures(path string) ([]RuntimeFixture, error) {
	resp, err := p.roundTrip(&ListFixturesRequest{CallID: p.newCallID(), Path: path})
	if err != nil {
		return nil, err
	}
	cr, ok := resp.(*CallResponse)
	if !ok {
		return nil, errors.Errorf("bridge: expected call response, got %T", resp)
	}
	if cr.Error != nil {
		return nil, &ExecutionError{Exception: *cr.Error}
	}
	var out []RuntimeFixture
	if cr.Value != nil {
		if err := json.Unmarshal(*cr.Value, &out); err != nil {
			return nil, errors.Wrap(err, "decoding runtime fixture list")
		}
	}
	return out, nil
}

// EvalExpr evaluates expr (the source text of a non-literal skip/
// expect_fail condition) in modPath's module globals and returns its
// truthiness.
func (p *Process) EvalExpr(ctx context.Context, modPath, expr string) (bool, error) {
	resp, err := p.roundTrip(&EvalExprRequest{CallID: p.newCallID(), ModulePath: modPath, Expr: expr})
	if err != nil {
		return false, err
	}
	cr, ok := resp.(*CallResponse)
	if !ok {
		return false, errors.Errorf("bridge: expected call response, got %T", resp)
	}
	if cr.Error != nil {
		return false, &ExecutionError{Exception: *cr.Error}
	}
	var b bool
	if err := decodeInto(cr.Value, &b); err != nil {
		return false, err
	}
	return b, nil
}

// RunTest invokes a test function with its resolved fixture values bound
// by name, plus any test-level parametrize bindings.
func (p *Process) RunTest(ctx context.Context, nt *normalize.NormalizedTest, fixtureVals map[string]interface{}) (*CallResponse, error) {
	args := make(map[string]interface{}, len(fixtureVals)+len(nt.ParamValues))
	for k, v := range fixtureVals {
		args[k] = v
	}
	for k, v := range nt.ParamValues {
		args[k] = v.Native()
	}
	resp, err := p.roundTrip(&RunTestRequest{
		CallID:     p.newCallID(),
		ModulePath: nt.ModulePath,
		Name:       nt.Def.Name,
		Args:       args,
	})
	if err != nil {
		return nil, err
	}
	cr, ok := resp.(*CallResponse)
	if !ok {
		return nil, errors.Errorf("bridge: expected call response, got %T", resp)
	}
	return cr, nil
}

// ExecutionError wraps a Python exception surfaced by the driver.
type ExecutionError struct {
	Exception PyException
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Exception.Type, e.Exception.Message)
}

func valueToRaw(v pyast.Value) (*json.RawMessage, error) {
	b, err := json.Marshal(v.Native())
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(b)
	return &raw, nil
}

func decodeValue(raw *json.RawMessage) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(*raw, &v); err != nil {
		return nil, errors.Wrap(err, "decoding bridge value")
	}
	return v, nil
}

func decodeInto(raw *json.RawMessage, out interface{}) error {
	if raw == nil {
		return errors.New("bridge: expected a value, got none")
	}
	return json.Unmarshal(*raw, out)
}

// tokenStore is a small concurrency-safe map from fixture variant ID to
// the generator token the driver returned for it, so TearDown can find it
// without threading extra state through fixture.Instance.
type tokenStore struct {
	mu   sync.Mutex
	toks map[string]string
}

func (s *tokenStore) store(id, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.toks == nil {
		s.toks = map[string]string{}
	}
	s.toks[id] = token
}

func (s *tokenStore) load(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.toks[id]
	return t, ok
}
