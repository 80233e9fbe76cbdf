package svc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zeromicro/go-zero/core/logx"

	"quotemirror/internal/cache"
	providerpkg "quotemirror/pkg/provider"
)

// ListInstruments returns the provider's symbol universe, consulting Redis
// first when a cache is configured. The roster changes rarely, so a stale
// read within the TTL window is acceptable.
func (s *ServiceContext) ListInstruments(ctx context.Context, providerName string) ([]providerpkg.Instrument, error) {
	p, err := s.providerByName(providerName)
	if err != nil {
		return nil, err
	}

	key := cache.InstrumentsKey(p.Name())
	if s.Redis != nil {
		if cached, err := s.Redis.GetCtx(ctx, key); err == nil && cached != "" {
			var instruments []providerpkg.Instrument
			if err := json.Unmarshal([]byte(cached), &instruments); err == nil {
				return instruments, nil
			}
			// A corrupt entry falls through to a fresh fetch.
			logx.WithContext(ctx).Errorf("discarding unreadable cache entry %s", key)
		}
	}

	instruments, err := p.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}

	if s.Redis != nil {
		if payload, err := json.Marshal(instruments); err == nil {
			ttl := int(cache.InstrumentsTTL(s.TTL).Seconds())
			if err := s.Redis.SetexCtx(ctx, key, string(payload), ttl); err != nil {
				logx.WithContext(ctx).Errorf("cache instruments %s: %v", key, err)
			}
		}
	}

	return instruments, nil
}

func (s *ServiceContext) providerByName(name string) (providerpkg.Provider, error) {
	if name == "" {
		if s.DefaultProvider == nil {
			return nil, fmt.Errorf("svc: no default provider configured")
		}
		return s.DefaultProvider, nil
	}
	p, ok := s.Providers[name]
	if !ok {
		return nil, fmt.Errorf("svc: provider %q not configured", name)
	}
	return p, nil
}
