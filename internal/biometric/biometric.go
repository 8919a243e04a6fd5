// Package biometric manages per-user, per-modality biometric enrollment and
// verification.
//
// Each (user, modality) pair is either NotEnrolled or Enrolled. An enrollment
// attempt either captures and stores a complete template or leaves the prior
// state untouched; there is no persisted intermediate state.
//
// Face templates are fixed-length descriptors compared by Euclidean
// distance. Fingerprint templates are opaque platform credential handles;
// matching is delegated to the platform authenticator.
package biometric

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Modality is a biometric factor type.
type Modality string

const (
	ModalityFace        Modality = "face"
	ModalityFingerprint Modality = "fingerprint"
)

// Modalities lists every supported modality.
var Modalities = []Modality{ModalityFace, ModalityFingerprint}

// Valid reports whether m is a supported modality.
func (m Modality) Valid() bool {
	return m == ModalityFace || m == ModalityFingerprint
}

// ParseModality converts s to a Modality.
func ParseModality(s string) (Modality, error) {
	m := Modality(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidModality, s)
	}
	return m, nil
}

var (
	// ErrCaptureFailed means no usable signal was obtained: no face within
	// the camera timeout, a malformed descriptor, or an unverified credential.
	ErrCaptureFailed = errors.New("biometric: capture failed")
	// ErrPlatformUnsupported means the device lacks the capability or the
	// user denied permission.
	ErrPlatformUnsupported = errors.New("biometric: platform unsupported")
	// ErrNotEnrolled means verification was requested for a pair with no
	// stored template.
	ErrNotEnrolled = errors.New("biometric: not enrolled")
	// ErrBusy means another enroll or verify is running for the same pair.
	ErrBusy = errors.New("biometric: operation already in progress")
	// ErrRateLimited means the user exceeded the verification rate.
	ErrRateLimited = errors.New("biometric: too many verification attempts")
	// ErrInvalidModality means the modality is not supported.
	ErrInvalidModality = errors.New("biometric: invalid modality")
	// ErrCancelled is returned by Enroll when the caller cancels. It is not
	// a failure and the prior enrollment is untouched.
	ErrCancelled = errors.New("biometric: cancelled")
)

// Descriptor is a face embedding.
type Descriptor []float32

// Validate checks that d has the expected length and finite components.
func (d Descriptor) Validate(length int) error {
	if len(d) != length {
		return fmt.Errorf("%w: descriptor has %d components, want %d", ErrCaptureFailed, len(d), length)
	}
	for i, v := range d {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: descriptor component %d is not finite", ErrCaptureFailed, i)
		}
	}
	return nil
}

// Distance returns the Euclidean distance between two equal-length descriptors.
func Distance(a, b Descriptor) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: descriptor length mismatch %d != %d", ErrCaptureFailed, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Credential is a platform authenticator result relayed by the client.
type Credential struct {
	ID       string `json:"id"`
	Verified bool   `json:"verified"`
}

// Sample is the live signal supplied for enroll or verify. When the field
// for the requested modality is empty the service captures the signal from
// its configured Camera or Platform instead.
type Sample struct {
	Descriptor Descriptor  `json:"descriptor,omitempty"`
	Credential *Credential `json:"credential,omitempty"`
}

// Template is the stored reference for one modality.
type Template struct {
	Descriptor   Descriptor `json:"descriptor,omitempty"`
	CredentialID string     `json:"credential_id,omitempty"`
}

// Enrollment is the stored record for one (user, modality) pair.
type Enrollment struct {
	UserID     string    `json:"user_id"`
	Modality   Modality  `json:"modality"`
	Template   Template  `json:"-"`
	Enrolled   bool      `json:"enrolled"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// Result is the outcome of a verification attempt. A well-formed comparison
// that does not match is reported here, not as an error.
type Result struct {
	Modality  Modality `json:"modality"`
	Matched   bool     `json:"matched"`
	Cancelled bool     `json:"cancelled,omitempty"`
	// Distance is the face descriptor distance; zero for fingerprint.
	Distance float64 `json:"distance,omitempty"`
}

// Status reports enrollment per modality.
type Status struct {
	Face        bool `json:"face"`
	Fingerprint bool `json:"fingerprint"`
}

// Config holds biometric policy. Durations are in milliseconds.
type Config struct {
	FaceThreshold     float64 `toml:"face_threshold" json:"face_threshold" yaml:"face_threshold"`
	DescriptorLength  int     `toml:"descriptor_length" json:"descriptor_length" yaml:"descriptor_length"`
	CameraTimeoutMs   int     `toml:"camera_timeout_ms" json:"camera_timeout_ms" yaml:"camera_timeout_ms"`
	DetectIntervalMs  int     `toml:"detect_interval_ms" json:"detect_interval_ms" yaml:"detect_interval_ms"`
	CeremonyTimeoutMs int     `toml:"ceremony_timeout_ms" json:"ceremony_timeout_ms" yaml:"ceremony_timeout_ms"`
	VerifyPerMinute   int     `toml:"verify_per_minute" json:"verify_per_minute" yaml:"verify_per_minute"`
	VerifyBurst       int     `toml:"verify_burst" json:"verify_burst" yaml:"verify_burst"`
}

// DefaultConfig returns the stock biometric policy.
func DefaultConfig() Config {
	return Config{
		FaceThreshold:     0.6,
		DescriptorLength:  128,
		CameraTimeoutMs:   10000,
		DetectIntervalMs:  100,
		CeremonyTimeoutMs: 60000,
		VerifyPerMinute:   10,
		VerifyBurst:       5,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.FaceThreshold <= 0 {
		return errors.New("face_threshold must be positive")
	}
	if c.DescriptorLength <= 0 {
		return errors.New("descriptor_length must be positive")
	}
	if c.CameraTimeoutMs <= 0 || c.DetectIntervalMs <= 0 || c.CeremonyTimeoutMs <= 0 {
		return errors.New("timeouts and intervals must be positive")
	}
	if c.DetectIntervalMs >= c.CameraTimeoutMs {
		return errors.New("detect_interval_ms must be shorter than camera_timeout_ms")
	}
	if c.VerifyPerMinute < 0 || c.VerifyBurst < 0 {
		return errors.New("verify rate limits must be non-negative")
	}
	return nil
}

func (c Config) cameraTimeout() time.Duration {
	return time.Duration(c.CameraTimeoutMs) * time.Millisecond
}

func (c Config) detectInterval() time.Duration {
	return time.Duration(c.DetectIntervalMs) * time.Millisecond
}

func (c Config) ceremonyTimeout() time.Duration {
	return time.Duration(c.CeremonyTimeoutMs) * time.Millisecond
}
