package svc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"quotemirror/internal/cache"
	advisorpkg "quotemirror/pkg/advisor"
)

// Consult runs an advisor consultation, caching reports in Redis keyed
// by the portfolio contents so repeated runs within the TTL reuse the
// previous answer instead of paying for another model call.
func (s *ServiceContext) Consult(ctx context.Context, portfolio []advisorpkg.Holding, events []advisorpkg.Event, start, end time.Time) (*advisorpkg.Report, error) {
	if s.Advisor == nil {
		return nil, fmt.Errorf("svc: advisor is not configured")
	}

	key := cache.AdvisorReportKey(consultDigest(portfolio, events, start, end))
	if s.Redis != nil {
		if cached, err := s.Redis.GetCtx(ctx, key); err == nil && cached != "" {
			var report advisorpkg.Report
			if err := json.Unmarshal([]byte(cached), &report); err == nil {
				return &report, nil
			}
			logx.WithContext(ctx).Errorf("discarding unreadable cache entry %s", key)
		}
	}

	report, err := s.Advisor.Consult(ctx, portfolio, events, start, end)
	if err != nil {
		return nil, err
	}

	if s.Redis != nil {
		if payload, err := json.Marshal(report); err == nil {
			ttl := int(cache.AdvisorReportTTL(s.TTL).Seconds())
			if err := s.Redis.SetexCtx(ctx, key, string(payload), ttl); err != nil {
				logx.WithContext(ctx).Errorf("cache advisor report %s: %v", key, err)
			}
		}
	}

	return report, nil
}

// consultDigest folds the full consultation request into a short hash
// so distinct portfolios or windows never share a cache entry.
func consultDigest(portfolio []advisorpkg.Holding, events []advisorpkg.Event, start, end time.Time) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(portfolio)
	_ = enc.Encode(events)
	_ = enc.Encode([2]int64{start.Unix(), end.Unix()})
	return hex.EncodeToString(h.Sum(nil))[:16]
}
