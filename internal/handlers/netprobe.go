package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"chronod/internal/storage"
	"chronod/internal/task/callback"
	logx "chronod/pkg/logx"
)

// keyLastProbe stores the most recent probe result for the status API.
const keyLastProbe = "netprobe/last"

type netprobeParams struct {
	// Candidates is how many nearest servers to latency-test.
	Candidates     int  `json:"candidates"`
	MaxConnections int  `json:"maxConnections"`
	SavingMode     bool `json:"savingMode"`
}

type probeResult struct {
	Timestamp    time.Time `json:"timestamp"`
	DownloadMbps float64   `json:"downloadMbps"`
	UploadMbps   float64   `json:"uploadMbps"`
	PingMs       float64   `json:"pingMs"`
	ISP          string    `json:"isp"`
	Server       string    `json:"server"`
	Country      string    `json:"country"`
	DurationMS   int64     `json:"durationMs"`
}

func netprobeFactory(store storage.Store, log logx.Logger) Factory {
	return func(params json.RawMessage) (callback.Func, error) {
		p := netprobeParams{Candidates: 5, MaxConnections: 4}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("netprobe params: %w", err)
			}
		}
		if p.Candidates <= 0 {
			p.Candidates = 5
		}
		if p.MaxConnections <= 0 {
			p.MaxConnections = 4
		}
		return func(ctx context.Context) error {
			res, err := runProbe(ctx, p)
			if err != nil {
				return err
			}
			log.Info("netprobe completed",
				logx.Float64("down_mbps", res.DownloadMbps),
				logx.Float64("up_mbps", res.UploadMbps),
				logx.Float64("ping_ms", res.PingMs),
				logx.String("server", res.Server))
			if store != nil {
				if data, merr := json.Marshal(res); merr == nil {
					if perr := store.Put(ctx, keyLastProbe, data); perr != nil {
						log.Warn("probe result persist failed", logx.Err(perr))
					}
				}
			}
			return nil
		}, nil
	}
}

func runProbe(ctx context.Context, p netprobeParams) (*probeResult, error) {
	start := time.Now()

	// A fresh client per run; package-level speedtest helpers keep state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     p.SavingMode,
		MaxConnections: p.MaxConnections,
	}))
	stc.SetNThread(p.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := p.Candidates
	if n > len(servers) {
		n = len(servers)
	}

	var best *st.Server
	for _, s := range servers[:n] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}

	return &probeResult{
		Timestamp:    time.Now(),
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		PingMs:       float64(best.Latency.Milliseconds()),
		ISP:          user.Isp,
		Server:       best.Sponsor,
		Country:      best.Country,
		DurationMS:   time.Since(start).Milliseconds(),
	}, nil
}
