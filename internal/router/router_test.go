package router

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/schema"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func addContract() mesh.Contract {
	return mesh.Contract{
		Namespace: "math",
		Method:    "add",
		Input:     schema.Object(schema.Req("a", schema.TypeNumber), schema.Req("b", schema.TypeNumber)),
		Output:    schema.Scalar(schema.TypeNumber),
		Mode:      mesh.ModeQuery,
	}
}

func addHandler(_ context.Context, args map[string]any) (any, error) {
	return args["a"].(float64) + args["b"].(float64), nil
}

func callReq(capability string, args map[string]any) mesh.Request {
	return mesh.Request{
		ID:      mesh.NewRequestID(),
		From:    "cell.test",
		Payload: mesh.Payload{Capability: capability, Args: args},
	}
}

func TestDispatchValidInput(t *testing.T) {
	testlog.Start(t)
	r := New("cell.x")
	if err := r.Register(addContract(), addHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := r.Dispatch(context.Background(), callReq("math/add", map[string]any{"a": float64(2), "b": float64(3)}))
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp.Error)
	}
	if resp.Value != float64(5) {
		t.Fatalf("expected 5, got %v", resp.Value)
	}
}

func TestDispatchValidationFailureNeverInvokesHandler(t *testing.T) {
	testlog.Start(t)
	r := New("cell.x")
	invoked := false
	contract := addContract()
	if err := r.Register(contract, func(_ context.Context, args map[string]any) (any, error) {
		invoked = true
		return addHandler(context.Background(), args)
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := r.Dispatch(context.Background(), callReq("math/add", map[string]any{"a": "2", "b": float64(3)}))
	if resp.OK {
		t.Fatalf("expected validation failure")
	}
	if resp.Error.Code != mesh.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %s", resp.Error.Code)
	}
	if invoked {
		t.Fatalf("handler must not run on invalid input")
	}
}

func TestDispatchUnknownCapability(t *testing.T) {
	testlog.Start(t)
	r := New("cell.x")
	resp := r.Dispatch(context.Background(), callReq("math/subtract", nil))
	if resp.OK || resp.Error.Code != mesh.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", resp)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	testlog.Start(t)
	r := New("cell.x")
	contract := mesh.Contract{
		Namespace: "risky",
		Method:    "op",
		Input:     schema.Object(),
		Output:    schema.Scalar(schema.TypeAny),
		Mode:      mesh.ModeMutation,
	}
	if err := r.Register(contract, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("disk full")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := r.Dispatch(context.Background(), callReq("risky/op", map[string]any{}))
	if resp.OK || resp.Error.Code != mesh.CodeHandlerError {
		t.Fatalf("expected HANDLER_ERROR, got %+v", resp)
	}
	if resp.Error.Msg != "disk full" {
		t.Fatalf("original message lost: %q", resp.Error.Msg)
	}
	if len(resp.Error.History) == 0 || resp.Error.History[0].Cell != "cell.x" {
		t.Fatalf("origin entry missing from history: %+v", resp.Error.History)
	}
}

func TestDispatchHandlerPanicTrapped(t *testing.T) {
	testlog.Start(t)
	r := New("cell.x")
	contract := mesh.Contract{
		Namespace: "risky",
		Method:    "panic",
		Input:     schema.Object(),
		Output:    schema.Scalar(schema.TypeAny),
		Mode:      mesh.ModeMutation,
	}
	if err := r.Register(contract, func(context.Context, map[string]any) (any, error) {
		panic("boom")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := r.Dispatch(context.Background(), callReq("risky/panic", map[string]any{}))
	if resp.OK || resp.Error.Code != mesh.CodeHandlerError {
		t.Fatalf("expected HANDLER_ERROR, got %+v", resp)
	}
}

func TestDispatchRejectsWrongOutputShape(t *testing.T) {
	testlog.Start(t)
	r := New("cell.x")
	if err := r.Register(addContract(), func(context.Context, map[string]any) (any, error) {
		return "not a number", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := r.Dispatch(context.Background(), callReq("math/add", map[string]any{"a": float64(1), "b": float64(2)}))
	if resp.OK {
		t.Fatalf("misbehaving handler output must not leak")
	}
	if resp.Error.Code != mesh.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %s", resp.Error.Code)
	}
}

func TestRegisterRejectsDuplicatesAndNilHandlers(t *testing.T) {
	testlog.Start(t)
	r := New("cell.x")
	if err := r.Register(addContract(), addHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(addContract(), addHandler); !errors.Is(err, ErrDuplicateContract) {
		t.Fatalf("expected ErrDuplicateContract, got %v", err)
	}
	other := addContract()
	other.Method = "mul"
	if err := r.Register(other, nil); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("expected ErrNilHandler, got %v", err)
	}
}

func TestReentrantDispatchFromHandler(t *testing.T) {
	testlog.Start(t)
	r := New("cell.x")
	if err := r.Register(addContract(), addHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	double := mesh.Contract{
		Namespace: "math",
		Method:    "double",
		Input:     schema.Object(schema.Req("n", schema.TypeNumber)),
		Output:    schema.Scalar(schema.TypeNumber),
		Mode:      mesh.ModeQuery,
	}
	if err := r.Register(double, func(ctx context.Context, args map[string]any) (any, error) {
		nested := r.Dispatch(ctx, callReq("math/add", map[string]any{"a": args["n"], "b": args["n"]}))
		if !nested.OK {
			return nil, fmt.Errorf("nested add failed: %s", nested.Error.Msg)
		}
		return nested.Value, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := r.Dispatch(context.Background(), callReq("math/double", map[string]any{"n": float64(4)}))
	if !resp.OK || resp.Value != float64(8) {
		t.Fatalf("re-entrant dispatch failed: %+v", resp)
	}
}

func TestContractsSorted(t *testing.T) {
	testlog.Start(t)
	r := New("cell.x")
	mul := addContract()
	mul.Method = "mul"
	if err := r.Register(mul, addHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(addContract(), addHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	contracts := r.Contracts()
	if len(contracts) != 2 || contracts[0].Name() != "math/add" {
		t.Fatalf("contracts not sorted: %+v", contracts)
	}
}
