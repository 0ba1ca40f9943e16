package synapse

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the namespace plugins import host functions from, e.g.
// `(import "aule" "http_request" ...)`.
const hostModuleName = "aule"

// Return codes shared by the buffer-style host functions. A non-negative
// result is the number of bytes written to the output buffer.
const (
	codeDenied   int32 = -1
	codeFailed   int32 = -2
	codeTooSmall int32 = -3
	codeNotFound int32 = -4
)

// instantiate registers the "aule" host module in rt.
//
//   - aule.log(ptr, len)
//   - aule.http_request(req_ptr, req_len, out_ptr, out_cap) -> i32
//   - aule.kv_get(req_ptr, req_len, out_ptr, out_cap) -> i32
//   - aule.kv_set(req_ptr, req_len) -> i32
//
// Requests and responses are JSON. Every call is checked against the grant
// token the invocation carries.
func (h *hostServices) instantiate(ctx context.Context, rt wazero.Runtime) error {
	i32 := api.ValueTypeI32
	_, err := rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.fnLog), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export("log").
		NewFunctionBuilder().
		WithGoModuleFunction(h.buffered(h.httpRequest), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("req_ptr", "req_len", "out_ptr", "out_cap").
		Export("http_request").
		NewFunctionBuilder().
		WithGoModuleFunction(h.buffered(h.kvGet), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("req_ptr", "req_len", "out_ptr", "out_cap").
		Export("kv_get").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.fnKVSet), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("req_ptr", "req_len").
		Export("kv_set").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("synapse: instantiate host functions: %w", err)
	}
	return nil
}

// buffered adapts a request/response handler to the four-argument buffer
// calling convention.
func (h *hostServices) buffered(fn func(ctx context.Context, req []byte) ([]byte, int32)) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		reqPtr, reqLen := uint32(stack[0]), uint32(stack[1])
		outPtr, outCap := uint32(stack[2]), uint32(stack[3])

		req, ok := mod.Memory().Read(reqPtr, reqLen)
		if !ok {
			stack[0] = api.EncodeI32(codeFailed)
			return
		}
		// Copy: the slice aliases guest memory.
		out, code := fn(ctx, append([]byte(nil), req...))
		if code < 0 {
			stack[0] = api.EncodeI32(code)
			return
		}
		if uint32(len(out)) > outCap {
			stack[0] = api.EncodeI32(codeTooSmall)
			return
		}
		if !mod.Memory().Write(outPtr, out) {
			stack[0] = api.EncodeI32(codeFailed)
			return
		}
		stack[0] = api.EncodeI32(int32(len(out)))
	}
}

func (h *hostServices) fnLog(ctx context.Context, mod api.Module, stack []uint64) {
	msg, ok := mod.Memory().Read(uint32(stack[0]), uint32(stack[1]))
	if !ok {
		h.logger.Warn("synapse: plugin log out of bounds")
		return
	}
	h.log(ctx, string(msg))
}

func (h *hostServices) fnKVSet(ctx context.Context, mod api.Module, stack []uint64) {
	req, ok := mod.Memory().Read(uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = api.EncodeI32(codeFailed)
		return
	}
	stack[0] = api.EncodeI32(h.kvSet(ctx, append([]byte(nil), req...)))
}
