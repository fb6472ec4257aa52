package transport

import (
	"context"
	"encoding/json"
)

// FakeCall records one request made through a Fake transport.
type FakeCall struct {
	Method string
	Path   string
	Body   any
}

// FakeResponse is a scripted reply: Err, if set, is returned instead of
// decoding Body into the caller's out.
type FakeResponse struct {
	Body any
	Err  error
}

// Fake is an in-memory Transport for syncmgr tests: responses are
// scripted per path, and every call is recorded for assertions.
type Fake struct {
	Token     string
	Calls     []FakeCall
	Responses map[string][]FakeResponse // path -> queue of responses, consumed in order
}

// NewFake returns an empty Fake transport.
func NewFake() *Fake {
	return &Fake{Responses: make(map[string][]FakeResponse)}
}

// Script queues resp to be returned the next time path is called.
func (f *Fake) Script(path string, resp FakeResponse) {
	f.Responses[path] = append(f.Responses[path], resp)
}

// SetToken implements Transport.
func (f *Fake) SetToken(token string) { f.Token = token }

func (f *Fake) Get(ctx context.Context, path string, query map[string]string, out any) error {
	return f.call("GET", path, query, out)
}

func (f *Fake) Post(ctx context.Context, path string, body any, out any) error {
	return f.call("POST", path, body, out)
}

func (f *Fake) Patch(ctx context.Context, path string, body any, out any) error {
	return f.call("PATCH", path, body, out)
}

func (f *Fake) call(method, path string, body any, out any) error {
	f.Calls = append(f.Calls, FakeCall{Method: method, Path: path, Body: body})
	queue := f.Responses[path]
	if len(queue) == 0 {
		return nil
	}
	resp := queue[0]
	f.Responses[path] = queue[1:]
	if resp.Err != nil {
		return resp.Err
	}
	if out == nil || resp.Body == nil {
		return nil
	}
	// Round-trip through JSON so Fake behaves like a real wire call: out
	// must be a pointer the caller can unmarshal into, exactly as resty's
	// SetResult would populate it.
	raw, err := json.Marshal(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
