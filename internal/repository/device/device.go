package device

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"roomcrypt/internal/model"
)

// ErrNoOneTimeKeys is returned when a claim finds an empty pool.
var ErrNoOneTimeKeys = errors.New("device: no one-time keys left")

type (
	// Record is one published device: its identity, signing key and the
	// remaining pool of one-time keys.
	Record struct {
		UserID      string            `bson:"user_id"`
		DeviceID    string            `bson:"device_id"`
		IdentityKey string            `bson:"identity_key"`
		SigningKey  string            `bson:"signing_key"`
		OneTimeKeys map[string]string `bson:"one_time_keys"`
	}

	DeviceRepo struct {
		collection *mongo.Collection
	}
)

func NewDeviceRepo(db *mongo.Database) *DeviceRepo {
	return &DeviceRepo{
		collection: db.Collection("devices"),
	}
}

// Upsert stores or replaces the published keys of (user, device). One-time
// keys are merged into the existing pool.
func (r *DeviceRepo) Upsert(ctx context.Context, rec Record) error {
	filter := bson.M{"user_id": rec.UserID, "device_id": rec.DeviceID}

	set := bson.M{
		"user_id":      rec.UserID,
		"device_id":    rec.DeviceID,
		"identity_key": rec.IdentityKey,
		"signing_key":  rec.SigningKey,
	}
	for id, key := range rec.OneTimeKeys {
		set["one_time_keys."+id] = key
	}

	opts := options.Update().SetUpsert(true)
	_, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": set}, opts)
	return err
}

// ListByUser returns the device identities published for a user.
func (r *DeviceRepo) ListByUser(ctx context.Context, userID string) ([]model.DeviceIdentity, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var devices []model.DeviceIdentity
	for cursor.Next(ctx) {
		var rec Record
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		devices = append(devices, model.DeviceIdentity{
			UserID:     rec.UserID,
			DeviceID:   rec.DeviceID,
			Ed25519:    rec.SigningKey,
			Curve25519: rec.IdentityKey,
		})
	}
	return devices, cursor.Err()
}

// ClaimOneTimeKey removes and returns one key from the device's pool.
func (r *DeviceRepo) ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (keyID, key string, err error) {
	filter := bson.M{"user_id": userID, "device_id": deviceID}

	var rec Record
	if err := r.collection.FindOne(ctx, filter).Decode(&rec); err != nil {
		if err == mongo.ErrNoDocuments {
			return "", "", fmt.Errorf("device: unknown device %s/%s", userID, deviceID)
		}
		return "", "", err
	}
	if len(rec.OneTimeKeys) == 0 {
		return "", "", ErrNoOneTimeKeys
	}
	for id, k := range rec.OneTimeKeys {
		keyID, key = id, k
		break
	}

	update := bson.M{"$unset": bson.M{"one_time_keys." + keyID: ""}}
	if _, err := r.collection.UpdateOne(ctx, filter, update); err != nil {
		return "", "", err
	}
	return keyID, key, nil
}
