package svc

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"

	"quotemirror/internal/cache"
)

// TryMirrorLock claims the Redis lock guarding a mirror run for one
// dataset. It returns a release function and whether the claim won.
// Without Redis there is nothing to coordinate with, so the claim
// always succeeds with a no-op release. The lock expires on its own,
// so a crashed run frees the dataset after the TTL.
func (s *ServiceContext) TryMirrorLock(ctx context.Context, dataset string) (func(), bool) {
	if s.Redis == nil {
		return func() {}, true
	}

	key := cache.MirrorLockKey(dataset)
	seconds := int(cache.MirrorLockTTL(s.TTL).Seconds())
	if seconds <= 0 {
		seconds = 1
	}

	ok, err := s.Redis.SetnxExCtx(ctx, key, "1", seconds)
	if err != nil {
		// A cache outage must not stall the mirror.
		logx.WithContext(ctx).Errorf("acquire %s: %v", key, err)
		return func() {}, true
	}
	if !ok {
		return nil, false
	}

	release := func() {
		if _, err := s.Redis.DelCtx(context.WithoutCancel(ctx), key); err != nil {
			logx.WithContext(ctx).Errorf("release %s: %v", key, err)
		}
	}
	return release, true
}
