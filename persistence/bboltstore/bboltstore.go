// Package bboltstore implements mqtt.SessionStore on top of a single bbolt
// database file, for deployments that want transactional, durable session
// persistence instead of the library's plain JSON FileStore.
package bboltstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	mqtt "github.com/fenwick-systems/mqttclient"
)

var (
	bucketPending       = []byte("pending")
	bucketSubscriptions = []byte("subscriptions")
	bucketQoS2          = []byte("qos2_received")
)

// Store implements mqtt.SessionStore using a bbolt database, partitioned
// into one top-level bucket per client ID so a single file can back many
// clients.
type Store struct {
	db       *bbolt.DB
	clientID string
}

// Open opens (creating if necessary) a bbolt database at path and returns a
// Store scoped to clientID. The caller owns the returned Store's lifetime
// and should call Close when the client using it is done.
func Open(path, clientID string) (*Store, error) {
	if clientID == "" {
		return nil, fmt.Errorf("bboltstore: clientID cannot be empty")
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bboltstore: opening %s: %w", path, err)
	}

	s := &Store{db: db, clientID: clientID}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(clientID))
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketPending, bucketSubscriptions, bucketQoS2} {
			if _, err := root.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bboltstore: initializing buckets: %w", err)
	}

	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) bucket(tx *bbolt.Tx, name []byte) *bbolt.Bucket {
	return tx.Bucket([]byte(s.clientID)).Bucket(name)
}

func packetIDKey(id uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], id)
	return b[:]
}

var _ mqtt.SessionStore = (*Store)(nil)

func (s *Store) SavePendingPublish(packetID uint16, pub *mqtt.PersistedPublish) error {
	data, err := json.Marshal(pub)
	if err != nil {
		return fmt.Errorf("bboltstore: marshal pending publish: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.bucket(tx, bucketPending).Put(packetIDKey(packetID), data)
	})
}

func (s *Store) DeletePendingPublish(packetID uint16) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.bucket(tx, bucketPending).Delete(packetIDKey(packetID))
	})
}

func (s *Store) SavePendingPubrel(packetID uint16) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := s.bucket(tx, bucketPending)
		key := packetIDKey(packetID)

		var pub mqtt.PersistedPublish
		if data := bucket.Get(key); data != nil {
			if err := json.Unmarshal(data, &pub); err != nil {
				return fmt.Errorf("bboltstore: unmarshal pending publish: %w", err)
			}
		}

		pub.Pubrel = true

		data, err := json.Marshal(&pub)
		if err != nil {
			return fmt.Errorf("bboltstore: marshal pending publish: %w", err)
		}
		return bucket.Put(key, data)
	})
}

func (s *Store) LoadPendingPublishes() (map[uint16]*mqtt.PersistedPublish, error) {
	result := make(map[uint16]*mqtt.PersistedPublish)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.bucket(tx, bucketPending).ForEach(func(k, v []byte) error {
			var pub mqtt.PersistedPublish
			if err := json.Unmarshal(v, &pub); err != nil {
				return nil // skip corrupted entry, don't fail the whole load
			}
			result[binary.BigEndian.Uint16(k)] = &pub
			return nil
		})
	})
	return result, err
}

func (s *Store) ClearPendingPublishes() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(s.clientID))
		if err := root.DeleteBucket(bucketPending); err != nil {
			return err
		}
		_, err := root.CreateBucket(bucketPending)
		return err
	})
}

func (s *Store) SaveSubscription(topic string, sub *mqtt.SubscriptionInfo) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("bboltstore: marshal subscription: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.bucket(tx, bucketSubscriptions).Put([]byte(topic), data)
	})
}

func (s *Store) DeleteSubscription(topic string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.bucket(tx, bucketSubscriptions).Delete([]byte(topic))
	})
}

func (s *Store) LoadSubscriptions() (map[string]*mqtt.SubscriptionInfo, error) {
	result := make(map[string]*mqtt.SubscriptionInfo)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.bucket(tx, bucketSubscriptions).ForEach(func(k, v []byte) error {
			var sub mqtt.SubscriptionInfo
			if err := json.Unmarshal(v, &sub); err != nil {
				return nil
			}
			result[string(k)] = &sub
			return nil
		})
	})
	return result, err
}

func (s *Store) SaveReceivedQoS2(packetID uint16) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.bucket(tx, bucketQoS2).Put(packetIDKey(packetID), []byte{1})
	})
}

func (s *Store) DeleteReceivedQoS2(packetID uint16) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.bucket(tx, bucketQoS2).Delete(packetIDKey(packetID))
	})
}

func (s *Store) LoadReceivedQoS2() (map[uint16]struct{}, error) {
	result := make(map[uint16]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.bucket(tx, bucketQoS2).ForEach(func(k, _ []byte) error {
			result[binary.BigEndian.Uint16(k)] = struct{}{}
			return nil
		})
	})
	return result, err
}

func (s *Store) ClearReceivedQoS2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(s.clientID))
		if err := root.DeleteBucket(bucketQoS2); err != nil {
			return err
		}
		_, err := root.CreateBucket(bucketQoS2)
		return err
	})
}

func (s *Store) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(s.clientID)); err != nil {
			return err
		}
		root, err := tx.CreateBucket([]byte(s.clientID))
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketPending, bucketSubscriptions, bucketQoS2} {
			if _, err := root.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}
