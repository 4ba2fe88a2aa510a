package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Label:       "test",
	}
}

func TestRetryDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := RetryDo(context.Background(), fastRetry(3), func() (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls, want ok after 1", got, calls)
	}
}

func TestRetryDo_RecoversAfterTransientFailure(t *testing.T) {
	calls := 0
	got, err := RetryDo(context.Background(), fastRetry(3), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 || calls != 3 {
		t.Errorf("got %d after %d calls, want 42 after 3", got, calls)
	}
}

func TestRetryDo_Exhausted(t *testing.T) {
	var retries []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ time.Duration, _ error) {
		retries = append(retries, attempt)
	}

	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		return "", errors.New("always fails")
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if len(retries) != 2 {
		t.Errorf("OnRetry called %d times, want 2 (not after last attempt)", len(retries))
	}
}

func TestRetryDo_NonRetryableHTTPError(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), fastRetry(4), func() (string, error) {
		calls++
		return "", &HTTPError{Status: 400, Body: "bad request"}
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (400 must not retry)", calls)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 400 {
		t.Errorf("err = %v, want HTTPError 400", err)
	}
}

func TestRetryDo_RetryableHTTPStatuses(t *testing.T) {
	for _, status := range []int{429, 500, 503} {
		t.Run(string(rune('0'+status/100))+"xx", func(t *testing.T) {
			calls := 0
			_, err := RetryDo(context.Background(), fastRetry(2), func() (string, error) {
				calls++
				return "", &HTTPError{Status: status}
			})
			if calls != 2 {
				t.Errorf("status %d: calls = %d, want 2", status, calls)
			}
			if !errors.Is(err, ErrRetriesExhausted) {
				t.Errorf("status %d: err = %v, want ErrRetriesExhausted", status, err)
			}
		})
	}
}

func TestRetryDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryDo(ctx, fastRetry(5), func() (string, error) {
		return "", errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("got %v, want 7s", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
	if got := ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"); got != 0 {
		t.Errorf("got %v, want 0 for http-date form", got)
	}
}
