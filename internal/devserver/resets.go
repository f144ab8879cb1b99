package devserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resetIDSize       = 16
	resetSecretSize   = 32
	resetTokenRawSize = resetIDSize + resetSecretSize

	resetRecordVersion = 1
)

var (
	ErrResetNotFound       = errors.New("reset ticket not found")
	ErrResetSecretMismatch = errors.New("reset secret mismatch")
	ErrResetAttempts       = errors.New("reset attempts exceeded")
	ErrResetUnavailable    = errors.New("reset store unavailable")
)

// ResetRecord is what a reset store keeps for an issued ticket. Only the
// hash of the secret is stored.
type ResetRecord struct {
	Subject    string
	SecretHash [32]byte
	ExpiresAt  int64
	Attempts   uint16
}

// ResetStore keeps pending password reset tickets.
type ResetStore interface {
	Save(ctx context.Context, id string, rec ResetRecord, ttl time.Duration) error
	// Consume deletes the ticket when hash matches. A mismatch counts an
	// attempt and the ticket is dropped after maxAttempts.
	Consume(ctx context.Context, id string, hash [32]byte, maxAttempts int) (ResetRecord, error)
}

// newResetTicket returns the ticket id, the token handed to the user and
// the secret hash to store.
func newResetTicket() (string, string, [32]byte, error) {
	var raw [resetTokenRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", "", [32]byte{}, err
	}
	id := base64.RawURLEncoding.EncodeToString(raw[:resetIDSize])
	return id, base64.RawURLEncoding.EncodeToString(raw[:]), sha256.Sum256(raw[resetIDSize:]), nil
}

func parseResetToken(token string) (string, [32]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", [32]byte{}, err
	}
	if len(raw) != resetTokenRawSize {
		return "", [32]byte{}, errors.New("invalid reset token size")
	}
	return base64.RawURLEncoding.EncodeToString(raw[:resetIDSize]), sha256.Sum256(raw[resetIDSize:]), nil
}

// RedisResets stores tickets under prefix:rs:<id>.
type RedisResets struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisResets returns a Redis backed reset store.
func NewRedisResets(client redis.UniversalClient, prefix string, now func() time.Time) *RedisResets {
	if now == nil {
		now = time.Now
	}
	return &RedisResets{client: client, prefix: prefix, now: now}
}

func (s *RedisResets) key(id string) string {
	return s.prefix + ":rs:" + id
}

func (s *RedisResets) Save(ctx context.Context, id string, rec ResetRecord, ttl time.Duration) error {
	encoded, err := encodeResetRecord(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(id), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrResetUnavailable, err)
	}
	return nil
}

func (s *RedisResets) Consume(ctx context.Context, id string, hash [32]byte, maxAttempts int) (ResetRecord, error) {
	const maxRetries = 4
	key := s.key(id)

	for i := 0; i < maxRetries; i++ {
		var matched ResetRecord

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			rec, err := decodeResetRecord(data)
			if err != nil {
				return err
			}

			if s.now().Unix() > rec.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrResetNotFound
			}

			if subtle.ConstantTimeCompare(rec.SecretHash[:], hash[:]) != 1 {
				rec.Attempts++
				if int(rec.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return ErrResetAttempts
				}
				encoded, err := encodeResetRecord(rec)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, encoded, redis.KeepTTL)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrResetSecretMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}
			matched = rec
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return ResetRecord{}, ErrResetNotFound
			case errors.Is(err, ErrResetNotFound), errors.Is(err, ErrResetSecretMismatch), errors.Is(err, ErrResetAttempts):
				return ResetRecord{}, err
			default:
				return ResetRecord{}, fmt.Errorf("%w: %v", ErrResetUnavailable, err)
			}
		}
		return matched, nil
	}

	return ResetRecord{}, ErrResetNotFound
}

func encodeResetRecord(rec ResetRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(resetRecordVersion)

	if err := binary.Write(&buf, binary.BigEndian, rec.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}
	if len(rec.Subject) > 65535 {
		return nil, errors.New("reset subject too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(rec.Subject))); err != nil {
		return nil, err
	}
	buf.WriteString(rec.Subject)
	buf.Write(rec.SecretHash[:])
	return buf.Bytes(), nil
}

func decodeResetRecord(data []byte) (ResetRecord, error) {
	var rec ResetRecord
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return rec, err
	}
	if version != resetRecordVersion {
		return rec, errors.New("invalid reset record version")
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.Attempts); err != nil {
		return rec, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return rec, err
	}
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return rec, err
	}
	subject := make([]byte, n)
	if _, err := io.ReadFull(reader, subject); err != nil {
		return rec, err
	}
	rec.Subject = string(subject)
	if _, err := io.ReadFull(reader, rec.SecretHash[:]); err != nil {
		return rec, err
	}
	return rec, nil
}

// MemoryResets keeps tickets in process.
type MemoryResets struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]ResetRecord
}

// NewMemoryResets returns an in-process reset store.
func NewMemoryResets(now func() time.Time) *MemoryResets {
	if now == nil {
		now = time.Now
	}
	return &MemoryResets{now: now, records: make(map[string]ResetRecord)}
}

func (s *MemoryResets) Save(_ context.Context, id string, rec ResetRecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = rec
	return nil
}

func (s *MemoryResets) Consume(_ context.Context, id string, hash [32]byte, maxAttempts int) (ResetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ResetRecord{}, ErrResetNotFound
	}
	if s.now().Unix() > rec.ExpiresAt {
		delete(s.records, id)
		return ResetRecord{}, ErrResetNotFound
	}
	if subtle.ConstantTimeCompare(rec.SecretHash[:], hash[:]) != 1 {
		rec.Attempts++
		if int(rec.Attempts) >= maxAttempts {
			delete(s.records, id)
			return ResetRecord{}, ErrResetAttempts
		}
		s.records[id] = rec
		return ResetRecord{}, ErrResetSecretMismatch
	}
	delete(s.records, id)
	return rec, nil
}
