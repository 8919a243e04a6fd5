package biometric

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Camera opens a video source for face detection.
type Camera interface {
	// Start opens the device. Errors wrapping ErrPlatformUnsupported signal
	// a missing device or denied permission.
	Start(ctx context.Context) (Stream, error)
}

// Stream is an open camera feed.
type Stream interface {
	// Detect runs one detection pass. found is false when no face is in
	// frame; that is not an error.
	Detect(ctx context.Context) (d Descriptor, found bool, err error)
	Close() error
}

// Platform is a platform authenticator (fingerprint reader, passkey).
type Platform interface {
	Available(ctx context.Context) bool
	// Register creates a credential for userID and returns its handle.
	Register(ctx context.Context, userID string) (credentialID string, err error)
	// Assert runs an authentication ceremony for the given handle.
	Assert(ctx context.Context, userID, credentialID string) (ok bool, err error)
}

// captureFace polls the camera until a face is detected, the timeout
// elapses or parent is cancelled. The stream is closed on every path.
func captureFace(parent context.Context, cam Camera, interval, timeout time.Duration) (Descriptor, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	stream, err := cam.Start(ctx)
	if err != nil {
		if cerr := ctxOutcome(parent, ctx); cerr != nil {
			return nil, cerr
		}
		if errors.Is(err, ErrPlatformUnsupported) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: start camera: %v", ErrCaptureFailed, err)
	}
	defer stream.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d, found, err := stream.Detect(ctx)
		if cerr := ctxOutcome(parent, ctx); cerr != nil {
			return nil, cerr
		}
		if err != nil {
			return nil, fmt.Errorf("%w: detect: %v", ErrCaptureFailed, err)
		}
		if found {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctxOutcome(parent, ctx)
		case <-ticker.C:
		}
	}
}

// runCeremony bounds a platform call by timeout and classifies the result.
func runCeremony[T any](parent context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	v, err := fn(ctx)
	if cerr := ctxOutcome(parent, ctx); cerr != nil {
		var zero T
		return zero, cerr
	}
	if err != nil {
		var zero T
		if errors.Is(err, ErrPlatformUnsupported) || errors.Is(err, ErrCaptureFailed) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return v, nil
}

// ctxOutcome distinguishes a caller cancellation from the capture timeout.
// It returns nil while ctx is still live.
func ctxOutcome(parent, ctx context.Context) error {
	if parent.Err() != nil {
		return ErrCancelled
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: timed out", ErrCaptureFailed)
	}
	return nil
}
