package batch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/bookscan/internal/ledger"
)

const (
	batchBucketName = "batches"
	rulesBucketName = "rules"
)

// DB defines the interface for database operations
type DB interface {
	// SaveBatch creates or replaces a batch
	SaveBatch(b *Batch) error

	// GetBatch retrieves a batch by ID
	GetBatch(id string) (*Batch, error)

	// ListBatches returns all batches, newest first
	ListBatches() ([]*Batch, error)

	// DeleteBatch removes a batch
	DeleteBatch(id string) error

	// GetRules returns the learning rules of a client
	GetRules(clientID string) (ledger.RuleSet, error)

	// PutRule creates or replaces the rule for a description
	PutRule(clientID, description string, rule ledger.LearningRule) error

	// DeleteRule removes the rule for a description
	DeleteRule(clientID, description string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{batchBucketName, rulesBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveBatch creates or replaces a batch
func (b *BoltDB) SaveBatch(batch *Batch) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("marshaling batch: %w", err)
		}
		return tx.Bucket([]byte(batchBucketName)).Put([]byte(batch.ID), data)
	})
}

// GetBatch retrieves a batch by ID
func (b *BoltDB) GetBatch(id string) (*Batch, error) {
	var batch *Batch
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(batchBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ListBatches returns all batches, newest first
func (b *BoltDB) ListBatches() ([]*Batch, error) {
	batches := make([]*Batch, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(batchBucketName)).ForEach(func(k, v []byte) error {
			var batch Batch
			if err := json.Unmarshal(v, &batch); err != nil {
				return fmt.Errorf("unmarshaling batch %s: %w", k, err)
			}
			batches = append(batches, &batch)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
	return batches, nil
}

// DeleteBatch removes a batch
func (b *BoltDB) DeleteBatch(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchBucketName))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

// GetRules returns the learning rules of a client. A client without rules
// gets an empty set.
func (b *BoltDB) GetRules(clientID string) (ledger.RuleSet, error) {
	rules := make(ledger.RuleSet)
	err := b.db.View(func(tx *bbolt.Tx) error {
		client := tx.Bucket([]byte(rulesBucketName)).Bucket([]byte(clientID))
		if client == nil {
			return nil
		}
		return client.ForEach(func(k, v []byte) error {
			var rule ledger.LearningRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return fmt.Errorf("unmarshaling rule %q: %w", k, err)
			}
			rules[string(k)] = rule
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// PutRule creates or replaces the rule for a description
func (b *BoltDB) PutRule(clientID, description string, rule ledger.LearningRule) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		client, err := tx.Bucket([]byte(rulesBucketName)).CreateBucketIfNotExists([]byte(clientID))
		if err != nil {
			return fmt.Errorf("creating rules bucket for %s: %w", clientID, err)
		}
		data, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("marshaling rule: %w", err)
		}
		return client.Put([]byte(description), data)
	})
}

// DeleteRule removes the rule for a description
func (b *BoltDB) DeleteRule(clientID, description string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		client := tx.Bucket([]byte(rulesBucketName)).Bucket([]byte(clientID))
		if client == nil || client.Get([]byte(description)) == nil {
			return fmt.Errorf("rule %q: %w", description, ErrNotFound)
		}
		return client.Delete([]byte(description))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
