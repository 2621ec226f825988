package store

import "context"

// Device is one registered wearable's static membership record.
type Device struct {
	DeviceID string
	UserID   string
	ZoneID   string
}

// RegisterDevice upserts a device's owning user and zone, used on first
// authentication and whenever a caregiver reassigns a device.
func (db *DB) RegisterDevice(ctx context.Context, deviceID, userID, zoneID string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO devices (device_id, user_id, zone_id, first_seen, last_seen)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (device_id) DO UPDATE
			SET user_id = EXCLUDED.user_id, zone_id = EXCLUDED.zone_id, last_seen = now()
	`, deviceID, userID, zoneID)
	return err
}

// DeviceByID loads one device's membership record.
func (db *DB) DeviceByID(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	err := db.Pool.QueryRow(ctx, `
		SELECT device_id, user_id, zone_id FROM devices WHERE device_id = $1
	`, deviceID).Scan(&d.DeviceID, &d.UserID, &d.ZoneID)
	return d, err
}

// DeviceForUser returns the device id paired to userID, preferring the
// most recently seen when a user has re-paired across devices.
func (db *DB) DeviceForUser(ctx context.Context, userID string) (string, error) {
	var id string
	err := db.Pool.QueryRow(ctx, `
		SELECT device_id FROM devices WHERE user_id = $1
		ORDER BY last_seen DESC LIMIT 1
	`, userID).Scan(&id)
	return id, err
}

// DevicesForZone returns every device assigned to zoneID.
func (db *DB) DevicesForZone(ctx context.Context, zoneID string) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT device_id FROM devices WHERE zone_id = $1
	`, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GroupMember is one user's row in a care group.
type GroupMember struct {
	GroupID string
	UserID  string
}

// GroupMembers returns the user ids belonging to groupID.
func (db *DB) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT user_id FROM group_members WHERE group_id = $1
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GroupType returns whether groupID is a family or community group.
func (db *DB) GroupType(ctx context.Context, groupID string) (string, error) {
	var groupType string
	err := db.Pool.QueryRow(ctx, `
		SELECT group_type FROM groups WHERE group_id = $1
	`, groupID).Scan(&groupType)
	return groupType, err
}
