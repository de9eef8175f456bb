package resilience

import (
	"errors"
	"slices"
	"testing"
	"time"
)

// chain builds a group over detector names so fn can fail by name.
func chain(t *testing.T, maxFailures int, names ...string) *FallbackGroup[string] {
	t.Helper()
	fg := NewFallbackGroup(names[0], names[0], FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	errQuiet := errors.New("not enough speech")

	tests := []struct {
		name      string
		failing   map[string]error
		wantCalls []string
		wantErr   error
	}{
		{
			name:      "primary answers",
			wantCalls: []string{"whisper-local"},
		},
		{
			name:      "fails over to second",
			failing:   map[string]error{"whisper-local": errTest},
			wantCalls: []string{"whisper-local", "whisper-api"},
		},
		{
			name:      "fails over to last",
			failing:   map[string]error{"whisper-local": errTest, "whisper-api": errTest},
			wantCalls: []string{"whisper-local", "whisper-api", "deepgram"},
		},
		{
			name:      "every entry fails",
			failing:   map[string]error{"whisper-local": errTest, "whisper-api": errTest, "deepgram": errTest},
			wantCalls: []string{"whisper-local", "whisper-api", "deepgram"},
			wantErr:   ErrAllFailed,
		},
		{
			name:      "uncounted error stops the chain",
			failing:   map[string]error{"whisper-local": errQuiet},
			wantCalls: []string{"whisper-local"},
			wantErr:   errQuiet,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fg := NewFallbackGroup("whisper-local", "whisper-local", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{
					MaxFailures: 3,
					IsFailure:   func(err error) bool { return !errors.Is(err, errQuiet) },
				},
			})
			fg.AddFallback("whisper-api", "whisper-api")
			fg.AddFallback("deepgram", "deepgram")

			var calls []string
			err := fg.Execute(func(name string) error {
				calls = append(calls, name)
				return tt.failing[name]
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Execute = %v, want %v", err, tt.wantErr)
			}
			if !slices.Equal(calls, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", calls, tt.wantCalls)
			}
		})
	}
}

func TestFallbackGroup_AllFailedWrapsLastError(t *testing.T) {
	errLast := errors.New("deepgram: 503")
	fg := chain(t, 3, "whisper", "deepgram")

	err := fg.Execute(func(name string) error {
		if name == "deepgram" {
			return errLast
		}
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errLast) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last error", err)
	}
}

func TestFallbackGroup_OpenPrimaryIsSkipped(t *testing.T) {
	fg := chain(t, 2, "whisper", "deepgram")

	var primaryCalls int
	for range 2 {
		_ = fg.Execute(func(name string) error {
			if name == "whisper" {
				primaryCalls++
				return errTest
			}
			return nil
		})
	}

	got := fg.States()
	want := []EntryState{{Name: "whisper", State: "open"}, {Name: "deepgram", State: "closed"}}
	if !slices.Equal(got, want) {
		t.Fatalf("States() = %v, want %v", got, want)
	}

	var called string
	if err := fg.Execute(func(name string) error {
		called = name
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "deepgram" || primaryCalls != 2 {
		t.Errorf("called %q with %d primary calls, want deepgram with 2", called, primaryCalls)
	}
	if !fg.Available() {
		t.Error("Available() = false with a closed fallback")
	}
}

func TestFallbackGroup_AllOpen(t *testing.T) {
	fg := chain(t, 1, "whisper", "deepgram")
	_ = fg.Execute(func(string) error { return errTest })

	if fg.Available() {
		t.Fatal("Available() = true with every breaker open")
	}
	err := fg.Execute(func(string) error {
		t.Fatal("fn called with every breaker open")
		return nil
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
}

func TestExecuteWithResult(t *testing.T) {
	fg := NewFallbackGroup(0.4, "quiet", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("confident", 0.9)

	got, err := ExecuteWithResult(fg, func(conf float64) (string, error) {
		if conf < 0.5 {
			return "", errTest
		}
		return "es", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "es" {
		t.Errorf("result = %q, want es", got)
	}
	if names := fg.Names(); !slices.Equal(names, []string{"quiet", "confident"}) {
		t.Errorf("Names() = %v", names)
	}
}
