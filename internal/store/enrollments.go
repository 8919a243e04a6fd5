package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"contauth/internal/biometric"
)

// GetEnrollment returns nil, nil when the pair has no enrollment. A sealed
// store returns ErrTemplateTampered for rows whose seal does not verify.
func (s *Store) GetEnrollment(ctx context.Context, userID string, m biometric.Modality) (*biometric.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, modality, descriptor, credential_id, enrolled, enrolled_at, seal
		FROM enrollments WHERE user_id = ? AND modality = ?`, userID, string(m))

	e, seal, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	if err := s.checkSeal(e, seal); err != nil {
		return nil, err
	}
	return e, nil
}

// PutEnrollment inserts or replaces the enrollment for (UserID, Modality).
func (s *Store) PutEnrollment(ctx context.Context, e *biometric.Enrollment) error {
	if e.UserID == "" || !e.Modality.Valid() {
		return fmt.Errorf("put enrollment: %w", biometric.ErrInvalidModality)
	}

	var seal []byte
	if s.Sealed() {
		seal = computeSeal(s.sealKey, e)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, modality, descriptor, credential_id, enrolled, enrolled_at, seal)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, modality) DO UPDATE SET
			descriptor = excluded.descriptor,
			credential_id = excluded.credential_id,
			enrolled = excluded.enrolled,
			enrolled_at = excluded.enrolled_at,
			seal = excluded.seal`,
		e.UserID, string(e.Modality), encodeDescriptor(e.Template.Descriptor), e.Template.CredentialID,
		e.Enrolled, e.EnrolledAt.UnixNano(), seal,
	)
	if err != nil {
		return fmt.Errorf("put enrollment: %w", err)
	}
	return nil
}

// ListEnrollments returns every enrollment for userID ordered by modality.
func (s *Store) ListEnrollments(ctx context.Context, userID string) ([]biometric.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, modality, descriptor, credential_id, enrolled, enrolled_at, seal
		FROM enrollments WHERE user_id = ?
		ORDER BY modality ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var out []biometric.Enrollment
	for rows.Next() {
		e, seal, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		if err := s.checkSeal(e, seal); err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return out, nil
}

// DeleteEnrollment removes the pair. Removing a missing pair is not an error.
func (s *Store) DeleteEnrollment(ctx context.Context, userID string, m biometric.Modality) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM enrollments WHERE user_id = ? AND modality = ?`, userID, string(m),
	); err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(r scanner) (*biometric.Enrollment, []byte, error) {
	var e biometric.Enrollment
	var modality string
	var descriptor, seal []byte
	var enrolledAt int64

	if err := r.Scan(&e.UserID, &modality, &descriptor, &e.Template.CredentialID, &e.Enrolled, &enrolledAt, &seal); err != nil {
		return nil, nil, err
	}
	d, err := decodeDescriptor(descriptor)
	if err != nil {
		return nil, nil, err
	}
	e.Modality = biometric.Modality(modality)
	e.Template.Descriptor = d
	e.EnrolledAt = time.Unix(0, enrolledAt).UTC()
	return &e, seal, nil
}

func (s *Store) checkSeal(e *biometric.Enrollment, seal []byte) error {
	if !s.Sealed() {
		return nil
	}
	if !verifySeal(s.sealKey, e, seal) {
		return fmt.Errorf("%w: user %s modality %s", ErrTemplateTampered, e.UserID, e.Modality)
	}
	return nil
}

// encodeDescriptor packs a descriptor as little-endian float32s. A nil
// descriptor is stored as NULL.
func encodeDescriptor(d biometric.Descriptor) []byte {
	if d == nil {
		return nil
	}
	buf := make([]byte, 4*len(d))
	for i, v := range d {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeDescriptor(b []byte) (biometric.Descriptor, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("descriptor length %d is not a multiple of 4", len(b))
	}
	d := make(biometric.Descriptor, len(b)/4)
	for i := range d {
		d[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return d, nil
}
