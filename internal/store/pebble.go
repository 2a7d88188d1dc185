package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/newswire/pkg/models"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Key layout:
//
//	thread/<id>               → models.Thread (JSON)
//	pair/<a>|<b>              → thread id (pair sorted)
//	msg/<id>/<seq:020d>       → models.Message (JSON)
const (
	threadPrefix = "thread/"
	pairPrefix   = "pair/"
	msgPrefix    = "msg/"
)

func threadKey(id string) []byte { return []byte(threadPrefix + id) }
func pairKey(pk string) []byte   { return []byte(pairPrefix + pk) }
func msgKey(threadID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", msgPrefix, threadID, seq))
}

// PebbleThreadStore is a durable ThreadStore on a pebble LSM. Each append is
// one synced batch holding the message and the thread's new head.
type PebbleThreadStore struct {
	db *pebble.DB

	createMu sync.Mutex // serializes thread creation so pairs stay unique

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per-thread append locks
}

// OpenPebbleThreadStore opens (or creates) a pebble database at path.
func OpenPebbleThreadStore(path string) (*PebbleThreadStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Pebble thread store opened")
	return &PebbleThreadStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (p *PebbleThreadStore) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *PebbleThreadStore) threadLock(id string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	mu, ok := p.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[id] = mu
	}
	return mu
}

func (p *PebbleThreadStore) getJSON(key []byte, out interface{}) (bool, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (p *PebbleThreadStore) GetOrCreateThread(ctx context.Context, a, b string) (*models.Thread, bool, error) {
	pk := models.PairKey(a, b)
	if t, err := p.findByPair(pk); err != nil || t != nil {
		return t, false, err
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()
	if t, err := p.findByPair(pk); err != nil || t != nil {
		return t, false, err
	}

	now := time.Now().UTC()
	t := &models.Thread{
		ID:           uuid.New().String(),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, false, err
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(threadKey(t.ID), data, nil); err != nil {
		return nil, false, err
	}
	if err := batch.Set(pairKey(pk), []byte(t.ID), nil); err != nil {
		return nil, false, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, false, fmt.Errorf("create thread: %w", err)
	}
	return t, true, nil
}

func (p *PebbleThreadStore) findByPair(pk string) (*models.Thread, error) {
	v, closer, err := p.db.Get(pairKey(pk))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id := string(v)
	closer.Close()

	var t models.Thread
	ok, err := p.getJSON(threadKey(id), &t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pair index points at missing thread %s", id)
	}
	return &t, nil
}

func (p *PebbleThreadStore) GetThread(_ context.Context, id string) (*models.Thread, error) {
	var t models.Thread
	ok, err := p.getJSON(threadKey(id), &t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ErrNotFound{Entity: "thread", Key: id}
	}
	return &t, nil
}

func (p *PebbleThreadStore) FindThread(_ context.Context, a, b string) (*models.Thread, error) {
	pk := models.PairKey(a, b)
	t, err := p.findByPair(pk)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &ErrNotFound{Entity: "thread", Key: pk}
	}
	return t, nil
}

func (p *PebbleThreadStore) ListThreads(_ context.Context, participant string) ([]models.Thread, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(threadPrefix),
		UpperBound: []byte("thread0"), // '0' sorts right after '/'
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var result []models.Thread
	for iter.First(); iter.Valid(); iter.Next() {
		var t models.Thread
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping undecodable thread")
			continue
		}
		if participant != "" && !t.Has(participant) {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, iter.Error()
}

func (p *PebbleThreadStore) AppendMessage(_ context.Context, threadID string, msg *models.Message) (int64, error) {
	mu := p.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	var t models.Thread
	ok, err := p.getJSON(threadKey(threadID), &t)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &ErrNotFound{Entity: "thread", Key: threadID}
	}

	seq := t.LastSeq + 1
	stamp(msg, &t, seq)
	t.LastSeq = seq
	t.UpdatedAt = msg.Timestamp

	msgData, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}
	threadData, err := json.Marshal(&t)
	if err != nil {
		return 0, err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(msgKey(threadID, seq), msgData, nil); err != nil {
		return 0, err
	}
	if err := batch.Set(threadKey(threadID), threadData, nil); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("append to thread %s: %w", threadID, err)
	}
	return seq, nil
}

func (p *PebbleThreadStore) ReadMessages(ctx context.Context, threadID string, fromSeq int64) (MessageCursor, error) {
	t, err := p.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: msgKey(threadID, fromSeq),
		UpperBound: msgKey(threadID, t.LastSeq+1),
	})
	if err != nil {
		return nil, err
	}
	return &pebbleCursor{iter: iter}, nil
}

// pebbleCursor decodes one message per Next from a bounded iterator.
type pebbleCursor struct {
	iter    *pebble.Iterator
	started bool
	err     error
}

func (c *pebbleCursor) Next() (models.Message, bool) {
	if c.iter == nil || c.err != nil {
		return models.Message{}, false
	}
	if !c.started {
		c.started = true
		c.iter.First()
	} else {
		c.iter.Next()
	}
	if !c.iter.Valid() {
		c.err = c.iter.Error()
		return models.Message{}, false
	}
	var msg models.Message
	if err := json.Unmarshal(c.iter.Value(), &msg); err != nil {
		c.err = fmt.Errorf("decode message %s: %w", c.iter.Key(), err)
		return models.Message{}, false
	}
	return msg, true
}

func (c *pebbleCursor) Err() error { return c.err }

func (c *pebbleCursor) Close() error {
	if c.iter == nil {
		return nil
	}
	err := c.iter.Close()
	c.iter = nil
	return err
}
