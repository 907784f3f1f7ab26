package storage

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/logging"
)

const (
	frameCounterKeyTempl = "lora:rt:fcnt:%s"

	frameCounterMaxRetries = 5
)

// RedisFrameCounterStore stores the frame-counter in Redis.
type RedisFrameCounterStore struct {
	guard  counterGuard
	client redis.UniversalClient
	key    string
}

// NewRedisFrameCounterStore creates a new RedisFrameCounterStore for the
// given DevAddr.
func NewRedisFrameCounterStore(client redis.UniversalClient, devAddr lorawan.DevAddr) *RedisFrameCounterStore {
	return &RedisFrameCounterStore{
		client: client,
		key:    GetRedisKey(frameCounterKeyTempl, devAddr),
	}
}

// Load returns the stored frame-counter.
func (s *RedisFrameCounterStore) Load(ctx context.Context) uint32 {
	fCnt, err := s.client.Get(ctx, s.key).Uint64()
	if err != nil {
		if err != redis.Nil {
			log.WithError(err).WithFields(log.Fields{
				"key":    s.key,
				"ctx_id": ctx.Value(logging.ContextIDKey),
			}).Warning("storage: get frame-counter error, assuming 0")
		}
		s.guard.observe(0)
		return 0
	}

	if fCnt > 1<<32-1 {
		log.WithFields(log.Fields{
			"key":    s.key,
			"value":  fCnt,
			"ctx_id": ctx.Value(logging.ContextIDKey),
		}).Warning("storage: frame-counter out of range, assuming 0")
		s.guard.observe(0)
		return 0
	}

	s.guard.observe(uint32(fCnt))
	return uint32(fCnt)
}

// Save stores the given frame-counter. The stored value is never lowered,
// also not when it has been modified by an other process.
func (s *RedisFrameCounterStore) Save(ctx context.Context, fCnt uint32) error {
	return observeFrameCounterSave("redis", func() error {
		return s.save(ctx, fCnt)
	})
}

func (s *RedisFrameCounterStore) save(ctx context.Context, fCnt uint32) error {
	if err := s.guard.check(fCnt); err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, s.key).Uint64()
		if err != nil && err != redis.Nil {
			return errors.Wrap(err, "get frame-counter error")
		}

		if err == nil && uint64(fCnt) <= current {
			return errors.Wrap(ErrFrameCounterDecrease, fmt.Sprintf("stored: %d, got: %d", current, fCnt))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, fCnt, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < frameCounterMaxRetries; i++ {
		err = s.client.Watch(ctx, txf, s.key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		if errors.Cause(err) == ErrFrameCounterDecrease {
			return err
		}
		return errors.Wrap(err, "save frame-counter error")
	}

	s.guard.observe(fCnt)

	log.WithFields(log.Fields{
		"f_cnt":  fCnt,
		"key":    s.key,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Debug("storage: frame-counter saved")

	return nil
}
