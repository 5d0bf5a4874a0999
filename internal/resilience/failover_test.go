package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/kyralabs/toolgate/pkg/provider/llm"
	llmmock "github.com/kyralabs/toolgate/pkg/provider/llm/mock"
)

func TestFailoverPrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{
		ProviderName: "primary",
		Responses:    []*llm.CompletionResponse{{Content: "hello from primary"}},
	}
	secondary := &llmmock.Provider{
		ProviderName: "secondary",
		Responses:    []*llm.CompletionResponse{{Content: "hello from secondary"}},
	}

	f := NewFailover(primary, BreakerConfig{})
	f.AddFallback(secondary)

	if got := f.Name(); got != "primary" {
		t.Fatalf("Name() = %q, want %q", got, "primary")
	}

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestFailoverRoutesAroundFailure(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{
		ProviderName: "primary",
		Err:          errors.New("primary down"),
	}
	secondary := &llmmock.Provider{
		ProviderName: "secondary",
		Responses:    []*llm.CompletionResponse{{Content: "hello from secondary"}},
	}

	f := NewFailover(primary, BreakerConfig{})
	f.AddFallback(secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestFailoverAllBackendsFail(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ProviderName: "primary", Err: errors.New("primary down")}
	secondary := &llmmock.Provider{ProviderName: "secondary", Err: errors.New("secondary down")}

	f := NewFailover(primary, BreakerConfig{})
	f.AddFallback(secondary)

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrNoHealthyBackend) {
		t.Fatalf("err = %v, want ErrNoHealthyBackend", err)
	}
}

func TestFailoverSkipsTrippedBackend(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ProviderName: "primary", Err: errors.New("primary down")}
	secondary := &llmmock.Provider{
		ProviderName: "secondary",
		Responses:    []*llm.CompletionResponse{{Content: "ok"}},
	}

	f := NewFailover(primary, BreakerConfig{TripAfter: 2})
	f.AddFallback(secondary)

	// Trip the primary's breaker, then confirm it is no longer consulted.
	for i := 0; i < 3; i++ {
		if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls := primary.CallCount(); calls > 2 {
		t.Fatalf("primary called %d times after its breaker opened, want <= 2", calls)
	}
	if secondary.CallCount() != 3 {
		t.Fatalf("secondary called %d times, want 3", secondary.CallCount())
	}
}

func TestFailoverContextErrorsNotChargedToBackend(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ProviderName: "primary"}
	secondary := &llmmock.Provider{
		ProviderName: "secondary",
		Responses:    []*llm.CompletionResponse{{Content: "never"}},
	}

	f := NewFailover(primary, BreakerConfig{TripAfter: 1})
	f.AddFallback(secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Complete(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times on a cancelled request, want 0", secondary.CallCount())
	}

	// The cancellation must not have opened the primary's breaker.
	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != nil {
		t.Fatalf("resp = %v, want nil from the scripted mock", resp)
	}
	if primary.CallCount() != 2 {
		t.Fatalf("primary called %d times, want 2", primary.CallCount())
	}
}
