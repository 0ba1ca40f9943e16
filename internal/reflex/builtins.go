package reflex

import (
	"encoding/json"
	"fmt"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

func (r *Runtime) predeclared(c *callState) starlark.StringDict {
	return starlark.StringDict{
		"json":          starlarkjson.Module,
		"log":           starlark.NewBuiltin("log", c.builtinLog),
		"http_request":  starlark.NewBuiltin("http_request", c.builtinHTTP),
		"secret_handle": starlark.NewBuiltin("secret_handle", c.builtinSecretHandle),
		"kv_get":        starlark.NewBuiltin("kv_get", c.builtinKVGet),
		"kv_set":        starlark.NewBuiltin("kv_set", c.builtinKVSet),
	}
}

// grant verifies the token the invocation carries.
func (c *callState) grant() (domain.CapabilityGrant, error) {
	g, err := c.runtime.grants.Verify(c.inv.GrantToken)
	if err != nil || g.InvocationID != c.inv.ID {
		return domain.CapabilityGrant{}, c.deny(domain.Errorf(domain.KindCapabilityDenied, "invalid grant"))
	}
	return g, nil
}

// deny records the first policy error and returns it to the script.
func (c *callState) deny(err error) error {
	if c.denied == nil {
		c.denied = err
	}
	return err
}

func (c *callState) builtinLog(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	c.log(msg)
	return starlark.None, nil
}

// http_request(url, method="GET", headers=None, body="") -> dict
func (c *callState) builtinHTTP(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rawURL  string
		method  = "GET"
		headers starlark.Value
		body    string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"url", &rawURL, "method?", &method, "headers?", &headers, "body?", &body); err != nil {
		return nil, err
	}
	hdrs, err := stringMap(headers)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if _, err := c.grant(); err != nil {
		return nil, err
	}
	if c.inv.Egress == nil {
		return nil, c.deny(domain.Errorf(domain.KindEndpointNotAllowed, "no network access"))
	}

	resp, err := c.inv.Egress.Do(c.ctx, domain.EgressRequest{
		Method:  method,
		URL:     rawURL,
		Headers: hdrs,
		Body:    []byte(body),
	})
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindEndpointNotAllowed, domain.KindCapabilityDenied, domain.KindCredentialLeakDetected:
			return nil, c.deny(err)
		}
		return nil, fmt.Errorf("%s: %s", b.Name(), domain.PublicMessage(err))
	}

	out := starlark.NewDict(4)
	_ = out.SetKey(starlark.String("status"), starlark.MakeInt(resp.Status))
	_ = out.SetKey(starlark.String("body"), starlark.String(resp.Body))
	_ = out.SetKey(starlark.String("content_type"), starlark.String(resp.ContentType))
	_ = out.SetKey(starlark.String("truncated"), starlark.Bool(resp.Truncated))
	return out, nil
}

// secret_handle(name) returns the opaque handle issued for a granted secret.
func (c *callState) builtinSecretHandle(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	g, err := c.grant()
	if err != nil {
		return nil, err
	}
	need := domain.Capability{Kind: domain.CapSecret, Scope: name}
	handle, ok := c.inv.HandleFor(name)
	if !ok || !g.Allows(need, time.Now()) {
		return nil, c.deny(domain.Errorf(domain.KindCapabilityDenied, "secret %s", name))
	}
	return starlark.String(handle), nil
}

func (c *callState) kvAccess(namespace string) error {
	g, err := c.grant()
	if err != nil {
		return err
	}
	need := domain.Capability{Kind: domain.CapKV, Scope: namespace}
	if c.inv.KV == nil || !g.Allows(need, time.Now()) {
		return c.deny(domain.Errorf(domain.KindCapabilityDenied, "kv namespace %s", namespace))
	}
	c.inv.Exercise(need)
	return nil
}

// kv_get(namespace, key) -> value or None. Stored values are JSON.
func (c *callState) builtinKVGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var namespace, key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "namespace", &namespace, "key", &key); err != nil {
		return nil, err
	}
	if err := c.kvAccess(namespace); err != nil {
		return nil, err
	}
	raw, ok := c.inv.KV.Get(namespace, key)
	if !ok {
		return starlark.None, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return starlark.String(raw), nil
	}
	return toStarlark(v)
}

// kv_set(namespace, key, value)
func (c *callState) builtinKVSet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		namespace, key string
		value          starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "namespace", &namespace, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	if err := c.kvAccess(namespace); err != nil {
		return nil, err
	}
	v, err := fromStarlark(value)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := c.inv.KV.Set(namespace, key, raw); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}
