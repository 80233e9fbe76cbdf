package provider

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name string
	cfg  *ProviderConfig
}

func (s *stubProvider) Name() string           { return s.name }
func (s *stubProvider) Capability() Capability { cap, _ := s.cfg.Capability(); return cap }
func (s *stubProvider) FetchBySymbol(context.Context, string, string, time.Time, time.Time) ([]Bar, error) {
	return nil, nil
}
func (s *stubProvider) FetchByTime(context.Context, string, []string, time.Time, time.Time) ([]Bar, error) {
	return nil, nil
}
func (s *stubProvider) ListInstruments(context.Context) ([]Instrument, error) { return nil, nil }

func registerStub(t *testing.T, typeName string) {
	t.Helper()
	Register(typeName, func(name string, cfg *ProviderConfig) (Provider, error) {
		return &stubProvider{name: name, cfg: cfg}, nil
	})
}

func TestLoadConfigFromReader(t *testing.T) {
	registerStub(t, "stub")
	t.Setenv("STUB_TOKEN", "secret-token")

	yaml := `
default: cn
providers:
  cn:
    type: stub
    token: ${STUB_TOKEN}
    axis: hybrid
    max_rows_per_request: 6000
    requests_per_second: 10
    granularity: 24h
    delay: 24h
    earliest: "1989-01-01"
`
	cfg, err := LoadConfigFromReader(strings.NewReader(yaml))
	require.NoError(t, err)
	require.Contains(t, cfg.Providers, "cn")

	pc := cfg.Providers["cn"]
	assert.Equal(t, "secret-token", pc.Token, "token must expand from the environment")
	assert.Equal(t, 24*time.Hour, pc.Granularity)
	assert.Equal(t, time.Date(1989, 1, 1, 0, 0, 0, 0, time.UTC), pc.Earliest)

	cap, err := pc.Capability()
	require.NoError(t, err)
	assert.Equal(t, AxisHybrid, cap.Axis)
	assert.Equal(t, 6000, cap.MaxRowsPerRequest)

	providers, err := cfg.BuildProviders()
	require.NoError(t, err)
	assert.Len(t, providers, 1)
	assert.Equal(t, "cn", providers["cn"].Name())
}

func TestCapabilityDefaults(t *testing.T) {
	pc := &ProviderConfig{Type: "stub"}
	cap, err := pc.Capability()
	require.NoError(t, err)
	assert.Equal(t, AxisHybrid, cap.Axis, "axis defaults to hybrid")
	assert.Equal(t, 6000, cap.MaxRowsPerRequest)
	assert.Equal(t, 24*time.Hour, cap.Granularity)
	assert.Equal(t, 10, cap.RequestsPerSecond)
	assert.Equal(t, 24*time.Hour, cap.Delay, "delay defaults to granularity")

	pc = &ProviderConfig{Type: "stub", Granularity: time.Minute}
	cap, err = pc.Capability()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cap.Delay, "delay never drops below one hour")
}

func TestLoadConfigRejectsUnknownType(t *testing.T) {
	yaml := `
providers:
  cn:
    type: no-such-vendor
`
	_, err := LoadConfigFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestLoadConfigRejectsUnknownAxis(t *testing.T) {
	registerStub(t, "stub-axis")
	yaml := `
providers:
  cn:
    type: stub-axis
    axis: diagonal
`
	_, err := LoadConfigFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown batch axis")
}

func TestLoadConfigRejectsUndefinedDefault(t *testing.T) {
	registerStub(t, "stub-default")
	yaml := `
default: us
providers:
  cn:
    type: stub-default
`
	_, err := LoadConfigFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `default provider "us" not defined`)
}

func TestLoadConfigRejectsEmptyProviders(t *testing.T) {
	_, err := LoadConfigFromReader(strings.NewReader("providers: {}\n"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	registerStub(t, "stub-dur")
	yaml := `
providers:
  cn:
    type: stub-dur
    granularity: "once a day"
`
	_, err := LoadConfigFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid granularity")
}

func TestParseBatchAxis(t *testing.T) {
	cases := []struct {
		in   string
		want BatchAxis
		ok   bool
	}{
		{"symbol", AxisSymbol, true},
		{"time", AxisTime, true},
		{"hybrid", AxisHybrid, true},
		{"", AxisHybrid, true},
		{" Hybrid ", AxisHybrid, true},
		{"diagonal", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseBatchAxis(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
