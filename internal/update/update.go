// Package update downloads and runs the kern install script.
package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// maxScriptSize bounds the downloaded install script.
const maxScriptSize = 1 << 20

// RetryConfig configures exponential backoff for the download.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	// MaxConsecutiveFailures trips the breaker and stops retrying early.
	MaxConsecutiveFailures uint32
}

// DefaultRetryConfig returns the retry policy used by `kern --update`.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:        500 * time.Millisecond,
		MaxInterval:            5 * time.Second,
		MaxElapsedTime:         30 * time.Second,
		Multiplier:             2.0,
		MaxConsecutiveFailures: 4,
	}
}

// StatusError reports a non-200 response from the script host.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Updater fetches the install script and pipes it to a shell.
type Updater struct {
	URL    string
	Client *http.Client
	// Shell runs the script with "-s", reading it from stdin.
	Shell  string
	Retry  RetryConfig
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// New returns an Updater for url with default settings.
func New(url string, stdout, stderr io.Writer, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
		Shell:  "bash",
		Retry:  DefaultRetryConfig(),
		Stdout: stdout,
		Stderr: stderr,
		Logger: logger,
	}
}

// Run downloads the script and executes it, returning the shell's exit code.
// A download failure or a shell that cannot start is reported as an error.
func (u *Updater) Run(ctx context.Context) (int, error) {
	script, err := u.Fetch(ctx)
	if err != nil {
		return 1, err
	}

	cmd := exec.CommandContext(ctx, u.Shell, "-s")
	cmd.Stdin = bytes.NewReader(script)
	cmd.Stdout = u.Stdout
	cmd.Stderr = u.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("running install script: %w", err)
	}
	return 0, nil
}

// Fetch downloads the install script. Network errors and 5xx/429 responses
// are retried with exponential backoff until the elapsed-time budget runs out
// or the breaker opens; other statuses fail immediately.
func (u *Updater) Fetch(ctx context.Context) ([]byte, error) {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "install-script",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			limit := u.Retry.MaxConsecutiveFailures
			return limit > 0 && counts.ConsecutiveFailures >= limit
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			u.Logger.Debug("circuit breaker state change",
				zap.String("name", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	var script []byte
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return u.get(ctx)
		})
		if err != nil {
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				return err
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) && !retryable(statusErr.Code) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			u.Logger.Debug("install script download failed, retrying", zap.Error(err))
			return err
		}
		script = result.([]byte)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = u.Retry.InitialInterval
	policy.MaxInterval = u.Retry.MaxInterval
	policy.MaxElapsedTime = u.Retry.MaxElapsedTime
	policy.Multiplier = u.Retry.Multiplier

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("downloading install script: %w", err)
	}
	return script, nil
}

func (u *Updater) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: u.URL, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxScriptSize {
		return nil, backoff.Permanent(fmt.Errorf("install script exceeds %d bytes", maxScriptSize))
	}
	return body, nil
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
