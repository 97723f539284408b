package corerpc_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/status"

	corerpc "github.com/nexusrpc/corerpc"
	"github.com/nexusrpc/corerpc/codec"
	"github.com/nexusrpc/corerpc/transport/inmem"
	"github.com/nexusrpc/corerpc/wire"
)

// newPair builds a connected (caller, responder) endpoint pair over a
// fresh in-memory transport, and registers a cleanup that closes both.
func newPair(t *testing.T) (caller, responder *corerpc.Endpoint) {
	t.Helper()
	ct, rt := inmem.NewPair()
	caller = corerpc.NewEndpoint(corerpc.WithTransport(ct), corerpc.WithDebugLabel("caller"))
	responder = corerpc.NewEndpoint(corerpc.WithTransport(rt), corerpc.WithDebugLabel("responder"))
	t.Cleanup(func() {
		_ = caller.Close()
		_ = responder.Close()
	})
	return caller, responder
}

// 1. Unary echo.
func TestUnaryEcho(t *testing.T) {
	caller, responder := newPair(t)

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Echo",
		Methods: []corerpc.MethodContract{
			corerpc.NewUnaryMethod("Say", codec.JSON[string](), codec.JSON[string](),
				func(ctx context.Context, req string) (string, error) {
					return "Echo: " + req, nil
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := corerpc.Unary(ctx, caller, "Echo", "Say", codec.JSON[string](), codec.JSON[string](), "hi")
	if err != nil {
		t.Fatalf("Unary: %v", err)
	}
	if resp != "Echo: hi" {
		t.Fatalf("got %q, want %q", resp, "Echo: hi")
	}
}

// 2. Server-stream counter.
func TestServerStreamCounter(t *testing.T) {
	caller, responder := newPair(t)

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Count",
		Methods: []corerpc.MethodContract{
			corerpc.NewServerStreamMethod("Up", codec.JSON[int](), codec.JSON[int](),
				func(ctx context.Context, n int, send func(int) error) error {
					for i := 1; i <= n; i++ {
						if err := send(i); err != nil {
							return err
						}
					}
					return nil
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := corerpc.ServerStream(ctx, caller, "Count", "Up", codec.JSON[int](), codec.JSON[int](), 5)
	if err != nil {
		t.Fatalf("ServerStream: %v", err)
	}
	var got []int
	for {
		v, err := call.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, v)
	}
	want := []int{1, 2, 3, 4, 5}
	if !intsEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// Boundary: handler that never yields on a server-stream completes empty.
func TestServerStreamEmpty(t *testing.T) {
	caller, responder := newPair(t)

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Count",
		Methods: []corerpc.MethodContract{
			corerpc.NewServerStreamMethod("Up", codec.JSON[int](), codec.JSON[int](),
				func(ctx context.Context, n int, send func(int) error) error {
					return nil
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := corerpc.ServerStream(ctx, caller, "Count", "Up", codec.JSON[int](), codec.JSON[int](), 0)
	if err != nil {
		t.Fatalf("ServerStream: %v", err)
	}
	if _, err := call.Recv(); err != io.EOF {
		t.Fatalf("Recv: got %v, want io.EOF", err)
	}
}

// 3. Client-stream sum.
func TestClientStreamSum(t *testing.T) {
	caller, responder := newPair(t)

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Math",
		Methods: []corerpc.MethodContract{
			corerpc.NewClientStreamMethod("Sum", codec.JSON[int](), codec.JSON[int](),
				func(ctx context.Context, recv func() (int, error)) (int, error) {
					total := 0
					for {
						v, err := recv()
						if err == io.EOF {
							return total, nil
						}
						if err != nil {
							return 0, err
						}
						total += v
					}
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := corerpc.ClientStream[int, int](ctx, caller, "Math", "Sum", codec.JSON[int](), codec.JSON[int]())
	if err != nil {
		t.Fatalf("ClientStream: %v", err)
	}
	for _, v := range []int{10, 20, 30} {
		if err := call.Send(v); err != nil {
			t.Fatalf("Send(%d): %v", v, err)
		}
	}
	sum, err := call.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if sum != 60 {
		t.Fatalf("got %d, want 60", sum)
	}
}

// Boundary: zero payloads on a client-stream still completes normally.
func TestClientStreamEmpty(t *testing.T) {
	caller, responder := newPair(t)

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Math",
		Methods: []corerpc.MethodContract{
			corerpc.NewClientStreamMethod("Sum", codec.JSON[int](), codec.JSON[int](),
				func(ctx context.Context, recv func() (int, error)) (int, error) {
					total := 0
					for {
						v, err := recv()
						if err == io.EOF {
							return total, nil
						}
						if err != nil {
							return 0, err
						}
						total += v
					}
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := corerpc.ClientStream[int, int](ctx, caller, "Math", "Sum", codec.JSON[int](), codec.JSON[int]())
	if err != nil {
		t.Fatalf("ClientStream: %v", err)
	}
	sum, err := call.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if sum != 0 {
		t.Fatalf("got %d, want 0", sum)
	}
}

// 4. Bidi chat.
func TestBidiChat(t *testing.T) {
	caller, responder := newPair(t)

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Chat",
		Methods: []corerpc.MethodContract{
			corerpc.NewBidiMethod("Echo", codec.JSON[string](), codec.JSON[string](),
				func(ctx context.Context, recv func() (string, error), send func(string) error) error {
					for {
						v, err := recv()
						if err == io.EOF {
							return nil
						}
						if err != nil {
							return err
						}
						if err := send(v); err != nil {
							return err
						}
					}
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := corerpc.BidiStream[string, string](ctx, caller, "Chat", "Echo", codec.JSON[string](), codec.JSON[string]())
	if err != nil {
		t.Fatalf("BidiStream: %v", err)
	}

	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			v, err := call.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				t.Errorf("Recv: %v", err)
				return
			}
			got = append(got, v)
		}
	}()

	for _, v := range []string{"a", "b", "c"} {
		if err := call.Send(v); err != nil {
			t.Fatalf("Send(%q): %v", v, err)
		}
	}
	if err := call.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	<-done

	want := []string{"a", "b", "c"}
	if !stringsEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// 5. Unknown method.
func TestUnknownMethod(t *testing.T) {
	caller, _ := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := corerpc.Unary(ctx, caller, "Nope", "Nope", codec.JSON[string](), codec.JSON[string](), "x")
	if err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
	var cerr *corerpc.CallError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %T, want *corerpc.CallError", err)
	}
	if cerr.Code != wire.Unimplemented {
		t.Fatalf("got code %v, want %v", cerr.Code, wire.Unimplemented)
	}
}

// 6. Cancellation mid-stream: dropping the caller handle drives the
// responder stream to a terminal state and the handler observes its
// cancellation token.
func TestCancellationMidStream(t *testing.T) {
	caller, responder := newPair(t)

	var handlerCanceled atomic.Bool
	handlerStarted := make(chan struct{})

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Count",
		Methods: []corerpc.MethodContract{
			corerpc.NewServerStreamMethod("Up", codec.JSON[int](), codec.JSON[int](),
				func(ctx context.Context, n int, send func(int) error) error {
					close(handlerStarted)
					for i := 1; ; i++ {
						if err := send(i); err != nil {
							return err
						}
						select {
						case <-ctx.Done():
							handlerCanceled.Store(true)
							return ctx.Err()
						default:
						}
					}
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := corerpc.ServerStream(ctx, caller, "Count", "Up", codec.JSON[int](), codec.JSON[int](), 1<<30)
	if err != nil {
		t.Fatalf("ServerStream: %v", err)
	}
	<-handlerStarted

	var got []int
	for len(got) < 3 {
		v, err := call.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, v)
	}
	call.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !handlerCanceled.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !handlerCanceled.Load() {
		t.Fatal("handler never observed cancellation")
	}
}

// Universal invariant: for any method m: A -> B registered with codec
// pair (Ca, Cb), a round trip through the wire yields a value
// observationally equal to the handler's return.
func TestUnaryRoundTripEquality(t *testing.T) {
	caller, responder := newPair(t)

	type point struct{ X, Y int }
	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Geo",
		Methods: []corerpc.MethodContract{
			corerpc.NewUnaryMethod("Translate", codec.JSON[point](), codec.JSON[point](),
				func(ctx context.Context, p point) (point, error) {
					return point{X: p.X + 1, Y: p.Y + 1}, nil
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := corerpc.Unary(ctx, caller, "Geo", "Translate", codec.JSON[point](), codec.JSON[point](), point{X: 1, Y: 2})
	if err != nil {
		t.Fatalf("Unary: %v", err)
	}
	if resp != (point{X: 2, Y: 3}) {
		t.Fatalf("got %+v, want %+v", resp, point{X: 2, Y: 3})
	}
}

// Concurrent calls on one endpoint pair exercise the multiplexer's
// stream-ID allocation and per-stream ordering under real contention.
func TestConcurrentUnaryCalls(t *testing.T) {
	caller, responder := newPair(t)

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Echo",
		Methods: []corerpc.MethodContract{
			corerpc.NewUnaryMethod("Say", codec.JSON[string](), codec.JSON[string](),
				func(ctx context.Context, req string) (string, error) {
					return req, nil
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req := string(rune('a' + i%26))
			resp, err := corerpc.Unary(ctx, caller, "Echo", "Say", codec.JSON[string](), codec.JSON[string](), req)
			if err != nil {
				errs <- err
				return
			}
			if resp != req {
				errs <- errors.New("mismatched echo")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// Handler errors surface as the status they carry.
func TestHandlerErrorStatus(t *testing.T) {
	caller, responder := newPair(t)

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Echo",
		Methods: []corerpc.MethodContract{
			corerpc.NewUnaryMethod("Say", codec.JSON[string](), codec.JSON[string](),
				func(ctx context.Context, req string) (string, error) {
					return "", status.Error(wire.InvalidArgument, "empty request not allowed")
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = corerpc.Unary(ctx, caller, "Echo", "Say", codec.JSON[string](), codec.JSON[string](), "")
	var cerr *corerpc.CallError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %T, want *corerpc.CallError", err)
	}
	if cerr.Code != wire.InvalidArgument {
		t.Fatalf("got code %v, want %v", cerr.Code, wire.InvalidArgument)
	}
}

// Deadline expiry: a caller context with a short deadline propagates to
// the responder as a grpc-timeout header, the responder's own context
// expires in turn, and both sides report DEADLINE_EXCEEDED rather than
// CANCELLED.
func TestUnaryDeadlineExceeded(t *testing.T) {
	caller, responder := newPair(t)

	handlerDone := make(chan error, 1)

	err := responder.RegisterServiceContract(corerpc.ServiceContract{
		Name: "Slow",
		Methods: []corerpc.MethodContract{
			corerpc.NewUnaryMethod("Wait", codec.JSON[string](), codec.JSON[string](),
				func(ctx context.Context, req string) (string, error) {
					<-ctx.Done()
					handlerDone <- ctx.Err()
					return "", ctx.Err()
				}),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = corerpc.Unary(ctx, caller, "Slow", "Wait", codec.JSON[string](), codec.JSON[string](), "x")
	if err == nil {
		t.Fatal("expected an error on deadline expiry")
	}
	var cerr *corerpc.CallError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %T, want *corerpc.CallError", err)
	}
	if cerr.Code != wire.DeadlineExceeded {
		t.Fatalf("got code %v, want %v", cerr.Code, wire.DeadlineExceeded)
	}

	select {
	case handlerErr := <-handlerDone:
		if !errors.Is(handlerErr, context.DeadlineExceeded) {
			t.Fatalf("handler context error = %v, want context.DeadlineExceeded", handlerErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never observed its propagated deadline")
	}
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
