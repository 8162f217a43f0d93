package model

type (
	// DeviceIdentity is a known remote device as supplied by the directory.
	// Key material is base64 encoded public key data.
	DeviceIdentity struct {
		UserID     string `json:"user_id" bson:"user_id"`
		DeviceID   string `json:"device_id" bson:"device_id"`
		Ed25519    string `json:"ed25519" bson:"ed25519"`       // signing key
		Curve25519 string `json:"curve25519" bson:"curve25519"` // identity key
	}
)

// Equal reports identity equality: same user, same device id, same signing
// key. The curve25519 key is deliberately not part of equality.
func (d DeviceIdentity) Equal(o DeviceIdentity) bool {
	return d.UserID == o.UserID && d.DeviceID == o.DeviceID && d.Ed25519 == o.Ed25519
}
