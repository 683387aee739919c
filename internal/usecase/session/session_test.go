package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcsession/internal/adapter/transport"
	"rpcsession/internal/domain"
	"rpcsession/internal/infra/logger"
)

const waitFor = 2 * time.Second

// harness runs a started Session against the far end of an in-memory pipe.
type harness struct {
	t    *testing.T
	sess *Session
	peer *transport.Pipe
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	local, peer := transport.NewPipe()
	opts = append([]Option{WithLogger(logger.Nop()), WithReadTimeout(waitFor)}, opts...)
	s := New(local, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return &harness{t: t, sess: s, peer: peer}
}

// send delivers a raw envelope to the session.
func (h *harness) send(raw string) {
	h.t.Helper()
	require.NoError(h.t, h.peer.Send(context.Background(), []byte(raw)))
}

// recv returns the next envelope the session wrote.
func (h *harness) recv() map[string]any {
	h.t.Helper()
	select {
	case in, ok := <-h.peer.Incoming():
		require.True(h.t, ok, "session closed the transport")
		var m map[string]any
		require.NoError(h.t, json.Unmarshal(in.Data, &m))
		return m
	case <-time.After(waitFor):
		require.FailNow(h.t, "no envelope from session")
		return nil
	}
}

// silence asserts the session writes nothing for a short while.
func (h *harness) silence() {
	h.t.Helper()
	select {
	case in := <-h.peer.Incoming():
		assert.Failf(h.t, "unexpected envelope", "%s", in.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) incoming() Incoming {
	h.t.Helper()
	select {
	case item, ok := <-h.sess.Incoming():
		require.True(h.t, ok, "incoming closed")
		return item
	case <-time.After(waitFor):
		require.FailNow(h.t, "nothing on incoming")
		return Incoming{}
	}
}

func (h *harness) noIncoming() {
	h.t.Helper()
	select {
	case item := <-h.sess.Incoming():
		assert.Failf(h.t, "unexpected incoming item", "%s", item.Kind())
	case <-time.After(50 * time.Millisecond):
	}
}

// answer replies to a captured request with result.
func (h *harness) answer(req map[string]any, result string) {
	h.t.Helper()
	id, err := json.Marshal(req["id"])
	require.NoError(h.t, err)
	h.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result))
}

func wait(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(waitFor):
		require.FailNow(t, "call did not return")
		return nil
	}
}

type okResult struct {
	OK bool `json:"ok"`
}

func TestSendRequestResolvesMatchingResponse(t *testing.T) {
	h := newHarness(t)
	id := domain.NumberID(7)

	var got okResult
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{ID: &id, Method: "ping"}, &got)
	}()

	req := h.recv()
	assert.Equal(t, "2.0", req["jsonrpc"])
	assert.Equal(t, float64(7), req["id"])
	assert.Equal(t, "ping", req["method"])
	assert.NotContains(t, req, "params")

	h.send(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`)
	require.NoError(t, wait(t, errCh))
	assert.True(t, got.OK)
	assert.Equal(t, 0, h.sess.Outstanding())
}

func TestSendRequestPeerError(t *testing.T) {
	h := newHarness(t)
	id := domain.NumberID(8)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{ID: &id, Method: "tools/call"}, nil)
	}()
	h.recv()
	h.send(`{"jsonrpc":"2.0","id":8,"error":{"code":-32000,"message":"tool exploded","data":{"tool":"x"}}}`)

	err := wait(t, errCh)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPeer)
	var pe *domain.PeerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, -32000, pe.Code())
	assert.Equal(t, "tool exploded", pe.Data.Message)
	assert.JSONEq(t, `{"tool":"x"}`, string(pe.Data.Data))
	assert.Equal(t, 0, h.sess.Outstanding())
}

func TestUnknownResponseSurfacesOnIncoming(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":99,"result":{}}`)

	item := h.incoming()
	var ue *domain.UnknownResponseError
	require.ErrorAs(t, item.Err, &ue)
	assert.Equal(t, domain.NumberID(99), ue.ID)
	assert.Equal(t, domain.KindResponse, ue.Message.Kind())
	assert.ErrorIs(t, item.Err, domain.ErrUnknownResponse)
}

func TestRequestIDsIncrease(t *testing.T) {
	h := newHarness(t)

	for want := 0; want < 3; want++ {
		errCh := make(chan error, 1)
		go func() {
			errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "next"}, nil)
		}()
		req := h.recv()
		assert.Equal(t, float64(want), req["id"])
		h.answer(req, `null`)
		require.NoError(t, wait(t, errCh))
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	h := newHarness(t)
	const n = 10

	type echo struct {
		N int `json:"n"`
	}
	results := make([]echo, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- h.sess.SendRequest(context.Background(),
				domain.OutboundRequest{Method: "echo", Params: echo{N: i}}, &results[i])
		}(i)
	}

	reqs := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, h.recv())
	}
	ids := make([]float64, 0, n)
	for _, r := range reqs {
		ids = append(ids, r["id"].(float64))
	}
	sort.Float64s(ids)
	for i, id := range ids {
		assert.Equal(t, float64(i), id, "ids are unique and dense")
	}

	// Answer in reverse arrival order, echoing the params back.
	for i := n - 1; i >= 0; i-- {
		params, err := json.Marshal(reqs[i]["params"])
		require.NoError(t, err)
		h.answer(reqs[i], string(params))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for i, r := range results {
		assert.Equal(t, i, r.N)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	h := newHarness(t, WithReadTimeout(50*time.Millisecond))

	err := h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "slow"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	var te *domain.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow", te.Method)
	assert.Equal(t, domain.CodeRequestTimeout, te.ErrorData().Code)
	assert.Equal(t, 0, h.sess.Outstanding())

	// A response after the deadline no longer has a waiter.
	req := h.recv()
	h.answer(req, `{}`)
	var ue *domain.UnknownResponseError
	require.ErrorAs(t, h.incoming().Err, &ue)
}

func TestPerRequestTimeoutOverridesDefault(t *testing.T) {
	h := newHarness(t)

	start := time.Now()
	err := h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "slow", Timeout: 30 * time.Millisecond}, nil)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), waitFor)
}

func TestSendRequestContextCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(ctx, domain.OutboundRequest{Method: "slow"}, nil)
	}()
	h.recv()
	cancel()
	assert.ErrorIs(t, wait(t, errCh), context.Canceled)
	assert.Equal(t, 0, h.sess.Outstanding())
}

func TestDuplicateOutstandingIDRejected(t *testing.T) {
	h := newHarness(t)
	id := domain.StringID("fixed")

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{ID: &id, Method: "a"}, nil)
	}()
	req := h.recv()
	assert.Equal(t, "fixed", req["id"])

	err := h.sess.SendRequest(context.Background(), domain.OutboundRequest{ID: &id, Method: "b"}, nil)
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	h.answer(req, `true`)
	require.NoError(t, wait(t, errCh))
}

func TestInvalidResultPayload(t *testing.T) {
	h := newHarness(t)

	var got okResult
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "x"}, &got)
	}()
	h.answer(h.recv(), `"not an object"`)
	assert.ErrorIs(t, wait(t, errCh), domain.ErrInvalidResult)
}

type strictResult struct {
	Name string `json:"name"`
}

func (r *strictResult) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func TestResultValidation(t *testing.T) {
	h := newHarness(t)

	var got strictResult
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "x"}, &got)
	}()
	h.answer(h.recv(), `{}`)
	err := wait(t, errCh)
	assert.ErrorIs(t, err, domain.ErrInvalidResult)
	assert.Contains(t, err.Error(), "name is required")
}

func TestInboundRequestForwardedAndAnsweredOnce(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"cursor":"a"}}`)

	item := h.incoming()
	require.Equal(t, "request", item.Kind())
	r := item.Request
	assert.Equal(t, "tools/list", r.Method())
	assert.Equal(t, domain.NumberID(1), r.ID())
	assert.JSONEq(t, `{"cursor":"a"}`, string(r.Request().Params))
	assert.True(t, r.InFlight())
	assert.Equal(t, 1, h.sess.InFlight())

	require.NoError(t, r.Respond(context.Background(), map[string]any{"tools": []string{"x"}}))
	resp := h.recv()
	assert.Equal(t, float64(1), resp["id"])
	assert.Equal(t, map[string]any{"tools": []any{"x"}}, resp["result"])
	assert.NotContains(t, resp, "error")

	err := r.Respond(context.Background(), "again")
	assert.ErrorIs(t, err, domain.ErrAlreadyResponded)
	err = r.RespondError(context.Background(), domain.ErrorData{Code: 1, Message: "late"})
	assert.ErrorIs(t, err, domain.ErrResponderState)
	h.silence()

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("scope did not exit")
	}
	assert.True(t, r.Completed())
	assert.Equal(t, 0, h.sess.InFlight())
	assert.Error(t, r.Context().Err())
}

func TestRespondErrorSendsErrorEnvelope(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":"abc","method":"tools/call"}`)

	r := h.incoming().Request
	require.NoError(t, r.RespondError(context.Background(), domain.NewErrorData(-32001, "nope", map[string]int{"retry": 3})))

	resp := h.recv()
	assert.Equal(t, "abc", resp["id"])
	assert.NotContains(t, resp, "result")
	assert.Equal(t, map[string]any{"code": float64(-32001), "message": "nope", "data": map[string]any{"retry": float64(3)}}, resp["error"])
}

func TestCancelNotificationCancelsInFlightRequest(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":3,"method":"slow"}`)
	r := h.incoming().Request

	h.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":3,"reason":"user"}}`)

	resp := h.recv()
	assert.Equal(t, float64(3), resp["id"])
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(domain.CodeRequestCancelled), errObj["code"])
	assert.Equal(t, "Request cancelled", errObj["message"])

	select {
	case <-r.Context().Done():
	case <-time.After(waitFor):
		t.Fatal("scope context not cancelled")
	}
	assert.ErrorIs(t, context.Cause(r.Context()), domain.ErrRequestCancelled)
	assert.True(t, r.Cancelled())
	assert.False(t, r.InFlight())

	// A late reply and a repeated cancellation send nothing.
	assert.NoError(t, r.Respond(context.Background(), "too late"))
	h.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":3}}`)
	h.silence()
	h.noIncoming()
	assert.Equal(t, 0, h.sess.InFlight())
}

func TestResponderCancelIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":4,"method":"slow"}`)
	r := h.incoming().Request

	require.NoError(t, r.Cancel(context.Background()))
	require.NoError(t, r.Cancel(context.Background()))
	resp := h.recv()
	assert.Contains(t, resp, "error")
	h.silence()
}

func TestCancelAfterRespondIsNoop(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":5,"method":"fast"}`)
	r := h.incoming().Request

	require.NoError(t, r.Respond(context.Background(), 1))
	h.recv()
	h.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":5}}`)
	h.silence()
	assert.NoError(t, r.Cancel(context.Background()))
	assert.True(t, r.Completed())
}

func TestCancellationForUnknownRequestIgnored(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1234}}`)
	h.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{}}`)
	h.silence()
	h.noIncoming()
}

func TestNotificationsAndRequestsKeepArrivalOrder(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","method":"first"}`)
	h.send(`{"jsonrpc":"2.0","id":1,"method":"second"}`)
	h.send(`{"jsonrpc":"2.0","method":"third","params":[1,2]}`)

	first := h.incoming()
	require.NotNil(t, first.Notification)
	assert.Equal(t, "first", first.Notification.Method)
	second := h.incoming()
	require.NotNil(t, second.Request)
	assert.Equal(t, "second", second.Request.Method())
	third := h.incoming()
	require.NotNil(t, third.Notification)
	assert.JSONEq(t, `[1,2]`, string(third.Notification.Params))
}

func TestMalformedRequestGetsInvalidRequest(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":4,"method":""}`)

	resp := h.recv()
	assert.Equal(t, float64(4), resp["id"])
	assert.Equal(t, float64(domain.CodeInvalidRequest), resp["error"].(map[string]any)["code"])
	h.noIncoming()
}

func TestMalformedNotificationDropped(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","method":"progress","params":5}`)
	h.send(`{"jsonrpc":"2.0","method":"after"}`)

	item := h.incoming()
	require.NotNil(t, item.Notification)
	assert.Equal(t, "after", item.Notification.Method)
	h.silence()
}

func TestMalformedRequestWithUnreadableIDSurfaces(t *testing.T) {
	for _, id := range []string{`true`, `1.5`, `{}`} {
		t.Run(id, func(t *testing.T) {
			h := newHarness(t)
			h.send(`{"jsonrpc":"2.0","id":` + id + `,"method":"x"}`)

			item := h.incoming()
			require.Error(t, item.Err)
			assert.ErrorIs(t, item.Err, domain.ErrMalformedEnvelope)
			var me *domain.MalformedError
			require.ErrorAs(t, item.Err, &me)
			assert.True(t, me.HasID)
			assert.Equal(t, "x", me.Method)
			// No id to answer with.
			h.silence()
		})
	}
}

func TestInvalidJSONSurfacesOnIncoming(t *testing.T) {
	h := newHarness(t)
	h.send(`{not json`)

	item := h.incoming()
	assert.ErrorIs(t, item.Err, domain.ErrMalformedEnvelope)
	h.silence()
}

func TestMalformedResponseFailsWaiter(t *testing.T) {
	h := newHarness(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "x"}, nil)
	}()
	req := h.recv()
	id, _ := json.Marshal(req["id"])
	h.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":1,"error":{"code":1,"message":"both"}}`, id))

	err := wait(t, errCh)
	var pe *domain.PeerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.CodeInvalidRequest, pe.Code())
	assert.Equal(t, 0, h.sess.Outstanding())
}

func TestTransportErrorForwarded(t *testing.T) {
	h := newHarness(t)
	flap := errors.New("link flap")
	require.NoError(t, h.peer.SendError(context.Background(), flap))

	item := h.incoming()
	assert.Equal(t, flap, item.Err, "transport errors are passed through unchanged")

	h.send(`{"jsonrpc":"2.0","method":"still here"}`)
	item = h.incoming()
	require.NotNil(t, item.Notification)
	assert.Equal(t, "still here", item.Notification.Method)
}

func TestDuplicateInFlightIDRejected(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":1,"method":"a"}`)
	r := h.incoming().Request

	h.send(`{"jsonrpc":"2.0","id":1,"method":"b"}`)
	resp := h.recv()
	assert.Equal(t, float64(domain.CodeInvalidRequest), resp["error"].(map[string]any)["code"])
	h.noIncoming()

	// The first request is unaffected.
	require.NoError(t, r.Respond(context.Background(), "ok"))
	assert.Equal(t, "ok", h.recv()["result"])
}

type rejectMethod string

func (m rejectMethod) ValidateRequest(req *domain.Request) error {
	if req.Method == string(m) {
		return fmt.Errorf("%w: %s is not allowed", domain.ErrInvalidInput, req.Method)
	}
	return nil
}

func (m rejectMethod) ValidateNotification(n *domain.Notification) error {
	if n.Method == string(m) {
		return domain.ErrInvalidInput
	}
	return nil
}

func TestValidatorRejectsRequestsAndNotifications(t *testing.T) {
	h := newHarness(t, WithValidator(rejectMethod("bad")))
	h.send(`{"jsonrpc":"2.0","id":1,"method":"bad"}`)

	resp := h.recv()
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(domain.CodeInvalidParams), errObj["code"])
	assert.Contains(t, errObj["message"], "not allowed")

	h.send(`{"jsonrpc":"2.0","method":"bad"}`)
	h.send(`{"jsonrpc":"2.0","method":"good"}`)
	item := h.incoming()
	require.NotNil(t, item.Notification)
	assert.Equal(t, "good", item.Notification.Method)
}

// syncHandler answers every request on the dispatch loop.
type syncHandler struct {
	notified chan string
}

func (h syncHandler) OnRequest(ctx context.Context, r *Responder) {
	_ = r.Respond(ctx, map[string]string{"method": r.Method()})
}

func (h syncHandler) OnNotification(_ context.Context, n *domain.Notification) {
	h.notified <- n.Method
}

func TestHandlerAnsweredRequestIsNotForwarded(t *testing.T) {
	hd := syncHandler{notified: make(chan string, 1)}
	h := newHarness(t, WithHandler(hd))

	h.send(`{"jsonrpc":"2.0","id":1,"method":"hello"}`)
	resp := h.recv()
	assert.Equal(t, map[string]any{"method": "hello"}, resp["result"])
	h.noIncoming()

	h.send(`{"jsonrpc":"2.0","method":"seen"}`)
	assert.Equal(t, "seen", <-hd.notified)
	item := h.incoming()
	require.NotNil(t, item.Notification, "notifications are forwarded after the hook")
}

func TestSendNotification(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.SendNotification(context.Background(), domain.OutboundNotification{
		Method: "log",
		Params: map[string]string{"level": "info"},
	}))

	msg := h.recv()
	assert.Equal(t, "log", msg["method"])
	assert.NotContains(t, msg, "id")
	assert.Equal(t, map[string]any{"level": "info"}, msg["params"])
}

func TestCancelRequestNotifiesPeer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.CancelRequest(context.Background(), domain.NumberID(12), "changed my mind"))

	msg := h.recv()
	assert.Equal(t, domain.MethodCancelled, msg["method"])
	assert.Equal(t, map[string]any{"requestId": float64(12), "reason": "changed my mind"}, msg["params"])
}

func TestReportProgressUsesRequestToken(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":1,"method":"work","params":{"_meta":{"progressToken":"tok-1"}}}`)
	r := h.incoming().Request

	total := 10.0
	require.NoError(t, r.ReportProgress(context.Background(), 2.5, &total))
	msg := h.recv()
	assert.Equal(t, domain.MethodProgress, msg["method"])
	assert.Equal(t, map[string]any{"progressToken": "tok-1", "progress": 2.5, "total": 10.0}, msg["params"])

	h.send(`{"jsonrpc":"2.0","id":2,"method":"work"}`)
	r2 := h.incoming().Request
	require.NoError(t, r2.ReportProgress(context.Background(), 1, nil))
	h.silence()
}

// keyPropagator copies one context value into `_meta` and back.
type keyPropagator struct{}

type propKey struct{}

func (keyPropagator) Inject(ctx context.Context, meta map[string]any) {
	if v, ok := ctx.Value(propKey{}).(string); ok {
		meta["trace"] = v
	}
}

func (keyPropagator) Extract(ctx context.Context, meta map[string]any) context.Context {
	if v, ok := meta["trace"].(string); ok {
		return context.WithValue(ctx, propKey{}, v)
	}
	return ctx
}

func TestPropagatorCarriesContextThroughMeta(t *testing.T) {
	h := newHarness(t, WithPropagator(keyPropagator{}))

	ctx := context.WithValue(context.Background(), propKey{}, "abc")
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(ctx, domain.OutboundRequest{
			Method: "x",
			Params: map[string]any{"a": 1, "_meta": map[string]any{"progressToken": 5}},
		}, nil)
	}()
	req := h.recv()
	assert.Equal(t, map[string]any{
		"a":     float64(1),
		"_meta": map[string]any{"progressToken": float64(5), "trace": "abc"},
	}, req["params"])
	h.answer(req, `{}`)
	require.NoError(t, wait(t, errCh))

	h.send(`{"jsonrpc":"2.0","id":1,"method":"y","params":{"_meta":{"trace":"from-peer"}}}`)
	r := h.incoming().Request
	assert.Equal(t, "from-peer", r.Context().Value(propKey{}))
}

func TestCallDecodesTypedResult(t *testing.T) {
	h := newHarness(t)

	type out struct {
		Sum int `json:"sum"`
	}
	resCh := make(chan out, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Call[out](context.Background(), h.sess, "add", []int{1, 2})
		resCh <- res
		errCh <- err
	}()
	req := h.recv()
	assert.Equal(t, []any{float64(1), float64(2)}, req["params"])
	h.answer(req, `{"sum":3}`)
	require.NoError(t, wait(t, errCh))
	assert.Equal(t, 3, (<-resCh).Sum)
}

func TestCloseReleasesWaitersAndScopes(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	r := h.incoming().Request

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "never"}, nil)
	}()
	h.recv()

	require.NoError(t, h.sess.Close())
	assert.ErrorIs(t, wait(t, errCh), domain.ErrSessionClosed)
	assert.Equal(t, 0, h.sess.Outstanding())
	assert.Equal(t, 0, h.sess.InFlight())

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("responder scope not exited on close")
	}
	assert.ErrorIs(t, r.Respond(context.Background(), 1), domain.ErrScopeExited)

	_, ok := <-h.sess.Incoming()
	assert.False(t, ok)
	assert.ErrorIs(t, h.sess.SendNotification(context.Background(), domain.OutboundNotification{Method: "x"}), domain.ErrSessionClosed)
	assert.ErrorIs(t, h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "x"}, nil), domain.ErrSessionClosed)
}

func TestStreamEndDrainsIncoming(t *testing.T) {
	h := newHarness(t)
	h.send(`{"jsonrpc":"2.0","method":"last words"}`)
	require.NoError(t, h.peer.Close())

	select {
	case <-h.sess.Done():
	case <-time.After(waitFor):
		t.Fatal("dispatch loop did not stop")
	}
	item := h.incoming()
	require.NotNil(t, item.Notification)
	assert.Equal(t, "last words", item.Notification.Method)
	_, ok := <-h.sess.Incoming()
	assert.False(t, ok)

	err := h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "x"}, nil)
	assert.Error(t, err)
}

func TestStartTwiceAndAfterClose(t *testing.T) {
	local, _ := transport.NewPipe()
	s := New(local, WithLogger(logger.Nop()))
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrSessionStarted)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrSessionClosed)
	assert.NoError(t, s.Close(), "close is idempotent")
}

func TestCloseWithoutStart(t *testing.T) {
	local, _ := transport.NewPipe()
	s := New(local, WithLogger(logger.Nop()))
	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	default:
		t.Fatal("done should be closed")
	}
	assert.NotEmpty(t, s.ID())

	select {
	case _, ok := <-s.Incoming():
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("incoming not closed")
	}

	drained := make(chan struct{})
	go func() {
		DrainIncoming(context.Background(), s, logger.Nop())
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(waitFor):
		t.Fatal("DrainIncoming did not return")
	}
}

// stuckHandler blocks in OnRequest until release is closed, ignoring ctx.
type stuckHandler struct {
	NopHandler
	entered chan struct{}
	release chan struct{}
}

func (h stuckHandler) OnRequest(context.Context, *Responder) {
	close(h.entered)
	<-h.release
}

func TestCloseDoesNotWaitForHandlerHook(t *testing.T) {
	hook := stuckHandler{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, WithHandler(hook))
	defer close(hook.release)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "never"}, nil)
	}()
	h.recv()

	h.send(`{"jsonrpc":"2.0","id":1,"method":"stuck"}`)
	select {
	case <-hook.entered:
	case <-time.After(waitFor):
		t.Fatal("handler hook never ran")
	}

	closed := make(chan error, 1)
	go func() { closed <- h.sess.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close blocked on a running handler hook")
	}

	assert.ErrorIs(t, wait(t, errCh), domain.ErrSessionClosed)
	assert.Equal(t, 0, h.sess.Outstanding())
	select {
	case _, ok := <-h.sess.Incoming():
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("incoming not closed")
	}

	select {
	case <-h.sess.Done():
		t.Fatal("loop reported done while the hook is still running")
	default:
	}
	hook.release <- struct{}{}
	select {
	case <-h.sess.Done():
	case <-time.After(waitFor):
		t.Fatal("dispatch loop did not stop after the hook returned")
	}
	assert.Equal(t, 0, h.sess.InFlight())
}

func TestContextCancelStopsLoop(t *testing.T) {
	local, _ := transport.NewPipe()
	s := New(local, WithLogger(logger.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	cancel()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("dispatch loop did not stop on context cancel")
	}
}

func TestSlowConsumerDoesNotStallCorrelation(t *testing.T) {
	h := newHarness(t)
	// Nobody reads Incoming while these pile up.
	for i := 0; i < 100; i++ {
		h.send(`{"jsonrpc":"2.0","method":"noise"}`)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sess.SendRequest(context.Background(), domain.OutboundRequest{Method: "x"}, nil)
	}()
	h.answer(h.recv(), `1`)
	require.NoError(t, wait(t, errCh))

	for i := 0; i < 100; i++ {
		assert.Equal(t, "noise", h.incoming().Notification.Method)
	}
}
