package storage

import (
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("firestbreak/storage")

// Encounter is the persistent record of a peer whose profile we received.
type Encounter struct {
	PeerID    string
	ProfileID string
	Name      string
	Status    string
	Common    []string
	TimesSeen int
	FirstSeen time.Time
	LastSeen  time.Time
}

// RecordEncounter upserts a peer, bumping times_seen and last_seen.
func (d *DB) RecordEncounter(e Encounter, at time.Time) error {
	common, err := json.Marshal(e.Common)
	if err != nil {
		return err
	}
	if e.Common == nil {
		common = []byte("[]")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO _encounters
			(peer_id, profile_id, name, status, common, times_seen, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			profile_id = excluded.profile_id,
			name       = excluded.name,
			status     = excluded.status,
			common     = excluded.common,
			times_seen = _encounters.times_seen + 1,
			last_seen  = excluded.last_seen`,
		e.PeerID, e.ProfileID, e.Name, e.Status, string(common), at.Unix(), at.Unix(),
	)
	return err
}

// ListEncounters returns every recorded peer, most recent first.
func (d *DB) ListEncounters() ([]Encounter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, profile_id, name, status, common, times_seen, first_seen, last_seen
		FROM _encounters ORDER BY last_seen DESC, peer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Encounter
	for rows.Next() {
		var e Encounter
		var common string
		var first, last int64
		if err := rows.Scan(&e.PeerID, &e.ProfileID, &e.Name, &e.Status, &common,
			&e.TimesSeen, &first, &last); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(common), &e.Common); err != nil {
			logger.Warnf("discarding unreadable common interests of %s: %v", e.PeerID, err)
			e.Common = nil
		}
		e.FirstSeen = time.Unix(first, 0)
		e.LastSeen = time.Unix(last, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForgetEncounter removes a peer from the history.
func (d *DB) ForgetEncounter(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _encounters WHERE peer_id = ?`, peerID)
	return err
}
