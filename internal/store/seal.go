package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"contauth/internal/biometric"
)

// TemplateRef names one enrollment row.
type TemplateRef struct {
	UserID   string
	Modality biometric.Modality
}

// computeSeal returns the HMAC-SHA256 of every persisted enrollment field.
// Variable-length fields are length-prefixed so that field boundaries
// cannot shift.
func computeSeal(key []byte, e *biometric.Enrollment) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("contauth-enrollment-v1"))
	writeField(mac, []byte(e.UserID))
	writeField(mac, []byte(e.Modality))
	writeField(mac, encodeDescriptor(e.Template.Descriptor))
	writeField(mac, []byte(e.Template.CredentialID))

	var tail [9]byte
	if e.Enrolled {
		tail[0] = 1
	}
	binary.BigEndian.PutUint64(tail[1:], uint64(e.EnrolledAt.UnixNano()))
	mac.Write(tail[:])
	return mac.Sum(nil)
}

func writeField(w interface{ Write([]byte) (int, error) }, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}

func verifySeal(key []byte, e *biometric.Enrollment, seal []byte) bool {
	if len(seal) == 0 {
		return false
	}
	return hmac.Equal(computeSeal(key, e), seal)
}

// VerifyTemplates checks every enrollment row against its seal and returns
// the rows that fail. An unsealed store reports nothing.
func (s *Store) VerifyTemplates(ctx context.Context) ([]TemplateRef, error) {
	if !s.Sealed() {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, modality, descriptor, credential_id, enrolled, enrolled_at, seal
		FROM enrollments
		ORDER BY user_id ASC, modality ASC`)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var bad []TemplateRef
	for rows.Next() {
		e, seal, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		if !verifySeal(s.sealKey, e, seal) {
			bad = append(bad, TemplateRef{UserID: e.UserID, Modality: e.Modality})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return bad, nil
}

// Reseal recomputes the seal of every row with the current key. It is used
// after enabling sealing on an existing database or rotating the key.
func (s *Store) Reseal(ctx context.Context) (int, error) {
	if !s.Sealed() {
		return 0, fmt.Errorf("reseal: no seal key configured")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT user_id, modality, descriptor, credential_id, enrolled, enrolled_at, seal
		FROM enrollments`)
	if err != nil {
		return 0, fmt.Errorf("query enrollments: %w", err)
	}
	var all []*biometric.Enrollment
	for rows.Next() {
		e, _, err := scanEnrollment(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan enrollment: %w", err)
		}
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate enrollments: %w", err)
	}
	rows.Close()

	for _, e := range all {
		if _, err := tx.ExecContext(ctx,
			`UPDATE enrollments SET seal = ? WHERE user_id = ? AND modality = ?`,
			computeSeal(s.sealKey, e), e.UserID, string(e.Modality),
		); err != nil {
			return 0, fmt.Errorf("reseal %s/%s: %w", e.UserID, e.Modality, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reseal: %w", err)
	}
	return len(all), nil
}
