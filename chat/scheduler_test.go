package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/tvyt/backend/crypto"
)

func TestRetryScheduleBackOff(t *testing.T) {
	b := RetrySchedule{time.Second, 2 * time.Second}.BackOff()
	for _, want := range []time.Duration{time.Second, 2 * time.Second, backoff.Stop, backoff.Stop} {
		if got := b.NextBackOff(); got != want {
			t.Fatalf("NextBackOff() = %v, want %v", got, want)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Errorf("NextBackOff() after Reset = %v, want 1s", got)
	}
}

func TestSchedulerRun(t *testing.T) {
	recoverable := ConnectError(Twitch, errors.New("refused"))
	terminal := &crypto.CryptoError{Reason: "authentication failed"}

	tests := []struct {
		name      string
		results   []error
		wantCalls int
		wantErr   error
	}{
		{name: "succeeds on second retry", results: []error{recoverable, nil}, wantCalls: 2},
		{name: "exhausts schedule", results: []error{recoverable, recoverable, recoverable}, wantCalls: 3, wantErr: ErrScheduleExhausted},
		{name: "stops on terminal error", results: []error{recoverable, terminal}, wantCalls: 2, wantErr: crypto.ErrCrypto},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			s := NewScheduler(RetrySchedule{time.Second, 2 * time.Second, 4 * time.Second}, clock)

			calls := 0
			var seen []int
			done := make(chan error, 1)
			go func() {
				done <- s.Run(context.Background(), func(context.Context) error {
					err := tt.results[calls]
					calls++
					return err
				}, func() bool { return true }, func(n int) { seen = append(seen, n) })
			}()

			for i := 0; ; i++ {
				select {
				case err := <-done:
					if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
						t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
					}
					if calls != tt.wantCalls {
						t.Errorf("attempts = %d, want %d", calls, tt.wantCalls)
					}
					for j, n := range seen {
						if n != j+1 {
							t.Errorf("onAttempt numbers = %v", seen)
							break
						}
					}
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				if err := clock.BlockUntilContext(ctx, 1); err == nil {
					clock.Advance(time.Minute)
				}
				cancel()
				if i > 100 {
					t.Fatal("Run() did not return")
				}
			}
		})
	}
}

func TestSchedulerStopsWhenNotAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(RetrySchedule{time.Second}, clock)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), func(context.Context) error {
			t.Error("attempt ran after liveness flag cleared")
			return nil
		}, func() bool { return false }, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	if err := <-done; !errors.Is(err, ErrStopped) {
		t.Errorf("Run() error = %v, want ErrStopped", err)
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(nil, clock)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context) error { return nil }, func() bool { return true }, nil)
	}()

	bctx, bcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bcancel()
	if err := clock.BlockUntilContext(bctx, 1); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Run() error = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() ignored cancellation")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"crypto", &crypto.CryptoError{Reason: "x"}, Terminal},
		{"no token", &SessionError{Code: 404, Message: "none", Err: ErrNoToken}, Terminal},
		{"unauthorized", ErrUnauthorized, Terminal},
		{"connect", ConnectError(Twitch, errors.New("refused")), Recoverable},
		{"protocol wrapping 401", ProtocolError(YouTube, ErrUnauthorized), Recoverable},
		{"store", &StoreError{Op: "get", Err: errors.New("conn reset")}, Recoverable},
		{"store down", fmt.Errorf("%w: %w", ErrStoreUnavailable, &StoreError{Op: "get", Err: errors.New("conn reset")}), Terminal},
		{"unknown", errors.New("mystery"), Recoverable},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
