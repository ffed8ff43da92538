package replication

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wagnerlima/mapeo-server/internal/models"
)

// TargetTypeWifi is the type of every peer found through discovery.
const TargetTypeWifi = "wifi"

// beacon is the UDP datagram a device broadcasts while it is announcing.
type beacon struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Port     int    `json:"port"`
}

type peer struct {
	target models.Target
	seen   time.Time
}

// peerTable holds the peers heard from within the last ttl.
type peerTable struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	peers map[string]peer
}

func newPeerTable(ttl time.Duration) *peerTable {
	return &peerTable{ttl: ttl, now: time.Now, peers: make(map[string]peer)}
}

func (t *peerTable) observe(b beacon, host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[b.DeviceID] = peer{
		target: models.Target{
			Name:     b.Name,
			DeviceID: b.DeviceID,
			Host:     host,
			Port:     b.Port,
			Type:     TargetTypeWifi,
		},
		seen: t.now(),
	}
}

// snapshot drops expired peers and returns the rest ordered by name.
func (t *peerTable) snapshot() []models.Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	out := make([]models.Target, 0, len(t.peers))
	for id, p := range t.peers {
		if p.seen.Before(cutoff) {
			delete(t.peers, id)
			continue
		}
		out = append(out, p.target)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// listenBeacons records every valid beacon read from conn until conn is
// closed. Beacons carrying selfID are ignored.
func listenBeacons(conn net.PacketConn, selfID string, peers *peerTable, log zerolog.Logger) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("discovery listener stopped")
			}
			return
		}
		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			log.Debug().Err(err).Str("from", addr.String()).Msg("ignoring malformed beacon")
			continue
		}
		if b.DeviceID == "" || b.DeviceID == selfID || b.Port <= 0 || b.Port > 65535 {
			continue
		}
		udp, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		peers.observe(b, udp.IP.String())
	}
}

// broadcastBeacons sends b to dest immediately and then every interval
// until ctx is done.
func broadcastBeacons(ctx context.Context, dest string, interval time.Duration, b beacon, log zerolog.Logger) {
	addr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		log.Error().Err(err).Str("dest", dest).Msg("resolve beacon address")
		return
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		log.Error().Err(err).Msg("open beacon socket")
		return
	}
	defer conn.Close()

	payload, err := json.Marshal(b)
	if err != nil {
		log.Error().Err(err).Msg("encode beacon")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteTo(payload, addr); err != nil {
			log.Debug().Err(err).Str("dest", dest).Msg("send beacon")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
