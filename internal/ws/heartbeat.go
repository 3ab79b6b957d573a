package ws

import (
	"time"
)

// HeartbeatConfig controls liveness probing.
type HeartbeatConfig struct {
	Interval time.Duration // sweep period; quiet connections are pinged once per sweep
	Timeout  time.Duration // extra silence tolerated after Interval before eviction
}

// DefaultHeartbeatConfig pings every 30s and evicts after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (h HeartbeatConfig) idleLimit() time.Duration { return h.Interval + h.Timeout }

func (s *Server) runHeartbeat(cfg HeartbeatConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(cfg, now)
		}
	}
}

// sweep evicts connections silent past the idle limit and pings those quiet
// for at least one interval. Any inbound frame, pongs included, counts as
// activity, so busy connections are never pinged. It returns how many
// connections were evicted.
func (s *Server) sweep(cfg HeartbeatConfig, now time.Time) int {
	limit := cfg.idleLimit()
	evicted := 0

	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActive())
		switch {
		case idle > limit:
			s.log.Debug().Str("conn_id", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
		case idle >= cfg.Interval:
			if err := c.WritePing(); err == nil {
				continue
			}
		default:
			continue
		}
		evicted++
		s.RemoveConnection(c)
	}

	if evicted > 0 {
		s.log.Info().Int("evicted", evicted).Int("open", s.conns.Count()).Msg("heartbeat sweep")
	}
	return evicted
}
