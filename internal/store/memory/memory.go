// Package memory is an in-process store used for single-node runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store"
)

type Store struct {
	mu        sync.Mutex
	connected bool

	records  map[string][]model.KeyIndex
	configs  map[string]model.TopicConfig
	hooks    map[string]model.Hook
	replays  map[string]model.ReplayState
	locks    map[string]model.Lock
	metadata map[string]model.TopicMetadata
}

func New() *Store {
	return &Store{
		connected: true,
		records:   make(map[string][]model.KeyIndex),
		configs:   make(map[string]model.TopicConfig),
		hooks:     make(map[string]model.Hook),
		replays:   make(map[string]model.ReplayState),
		locks:     make(map[string]model.Lock),
		metadata:  make(map[string]model.TopicMetadata),
	}
}

func (s *Store) KeyIndex() store.KeyIndexStore { return keyIndex{s} }
func (s *Store) TopicConfigs() store.TopicConfigStore { return topicConfigs{s} }
func (s *Store) Hooks() store.HookStore { return hooks{s} }
func (s *Store) Replays() store.ReplayStore { return replays{s} }
func (s *Store) Locks() store.LockStore { return locks{s} }
func (s *Store) Metadata() store.MetadataStore { return metadata{s} }

// SetConnected simulates losing or regaining the connection.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

func (s *Store) Close() error {
	s.SetConnected(false)
	return nil
}

// Records returns a copy of the stored records of topic.
func (s *Store) Records(topic string) []model.KeyIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.KeyIndex(nil), s.records[topic]...)
}

func (s *Store) lock() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return store.ErrNotConnected
	}
	return nil
}

type keyIndex struct{ s *Store }

func (k keyIndex) Connected() bool {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	return k.s.connected
}

func (k keyIndex) EnsureTopic(_ context.Context, topic string) error {
	if err := k.s.lock(); err != nil {
		return err
	}
	defer k.s.mu.Unlock()
	if _, ok := k.s.records[topic]; !ok {
		k.s.records[topic] = nil
	}
	return nil
}

func (k keyIndex) DropTopic(_ context.Context, topic string) error {
	if err := k.s.lock(); err != nil {
		return err
	}
	defer k.s.mu.Unlock()
	delete(k.s.records, topic)
	return nil
}

func (k keyIndex) Insert(_ context.Context, topic string, rec model.KeyIndex) error {
	if err := k.s.lock(); err != nil {
		return err
	}
	defer k.s.mu.Unlock()
	k.s.records[topic] = append(k.s.records[topic], rec)
	return nil
}

func (k keyIndex) Upsert(_ context.Context, topic string, rec model.KeyIndex) error {
	if err := k.s.lock(); err != nil {
		return err
	}
	defer k.s.mu.Unlock()
	recs := k.s.records[topic]
	for i := range recs {
		if sameKey(recs[i].HashedKey, rec.HashedKey) {
			recs[i] = rec
			return nil
		}
	}
	k.s.records[topic] = append(recs, rec)
	return nil
}

func (k keyIndex) DeleteByKey(_ context.Context, topic string, hashedKey int64, fromStream bool) (int64, error) {
	if err := k.s.lock(); err != nil {
		return 0, err
	}
	defer k.s.mu.Unlock()
	var removed int64
	k.s.records[topic] = filter(k.s.records[topic], func(r model.KeyIndex) bool {
		if r.HashedKey != nil && *r.HashedKey == hashedKey && r.FromStream == fromStream {
			removed++
			return false
		}
		return true
	})
	return removed, nil
}

func (k keyIndex) FindByKey(_ context.Context, topic string, hashedKey int64) ([]model.KeyIndex, error) {
	if err := k.s.lock(); err != nil {
		return nil, err
	}
	defer k.s.mu.Unlock()
	var out []model.KeyIndex
	for _, r := range k.s.records[topic] {
		if r.HashedKey != nil && *r.HashedKey == hashedKey {
			out = append(out, r)
		}
	}
	return out, nil
}

func (k keyIndex) DeleteExpired(_ context.Context, topic string, now int64) (int64, error) {
	if err := k.s.lock(); err != nil {
		return 0, err
	}
	defer k.s.mu.Unlock()
	var removed int64
	k.s.records[topic] = filter(k.s.records[topic], func(r model.KeyIndex) bool {
		if r.DeleteAt != nil && *r.DeleteAt <= now {
			removed++
			return false
		}
		return true
	})
	return removed, nil
}

func (k keyIndex) Aggregate(_ context.Context, topic string) (*model.TopicMetadata, error) {
	if err := k.s.lock(); err != nil {
		return nil, err
	}
	defer k.s.mu.Unlock()

	md := &model.TopicMetadata{Topic: topic, Timestamp: time.Now().UnixMilli()}
	parts := make(map[int32]*model.PartitionMetadata)
	for i, r := range k.s.records[topic] {
		ts := r.StoredAt
		if r.Timestamp != nil {
			ts = *r.Timestamp
		}
		if i == 0 {
			md.EarliestOffset, md.LatestOffset = r.Offset, r.Offset
			md.EarliestMessage, md.LatestMessage = ts, ts
		}
		md.MessageCount++
		md.EarliestOffset = min(md.EarliestOffset, r.Offset)
		md.LatestOffset = max(md.LatestOffset, r.Offset)
		md.EarliestMessage = min(md.EarliestMessage, ts)
		md.LatestMessage = max(md.LatestMessage, ts)

		p, ok := parts[r.Partition]
		if !ok {
			p = &model.PartitionMetadata{Partition: r.Partition, EarliestOffset: r.Offset, LatestOffset: r.Offset}
			parts[r.Partition] = p
		}
		p.MessageCount++
		p.EarliestOffset = min(p.EarliestOffset, r.Offset)
		p.LatestOffset = max(p.LatestOffset, r.Offset)
	}
	for _, p := range parts {
		md.Partitions = append(md.Partitions, *p)
	}
	sort.Slice(md.Partitions, func(i, j int) bool { return md.Partitions[i].Partition < md.Partitions[j].Partition })
	md.PartitionCount = len(md.Partitions)
	return md, nil
}

type topicConfigs struct{ s *Store }

func (t topicConfigs) List(_ context.Context) ([]model.TopicConfig, error) {
	if err := t.s.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	out := make([]model.TopicConfig, 0, len(t.s.configs))
	for _, c := range t.s.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (t topicConfigs) Get(_ context.Context, topic string) (*model.TopicConfig, error) {
	if err := t.s.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	c, ok := t.s.configs[topic]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t topicConfigs) Upsert(_ context.Context, cfg model.TopicConfig) error {
	if err := t.s.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	if cfg.Timestamp == 0 {
		cfg.Timestamp = time.Now().UnixMilli()
	}
	t.s.configs[cfg.Topic] = cfg
	return nil
}

func (t topicConfigs) Delete(_ context.Context, topic string) error {
	if err := t.s.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	delete(t.s.configs, topic)
	return nil
}

type hooks struct{ s *Store }

func (h hooks) List(_ context.Context) ([]model.Hook, error) {
	if err := h.s.lock(); err != nil {
		return nil, err
	}
	defer h.s.mu.Unlock()
	out := make([]model.Hook, 0, len(h.s.hooks))
	for _, hk := range h.s.hooks {
		out = append(out, hk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (h hooks) Get(_ context.Context, id string) (*model.Hook, error) {
	if err := h.s.lock(); err != nil {
		return nil, err
	}
	defer h.s.mu.Unlock()
	hk, ok := h.s.hooks[id]
	if !ok {
		return nil, nil
	}
	return &hk, nil
}

func (h hooks) GetByName(_ context.Context, name string) (*model.Hook, error) {
	if err := h.s.lock(); err != nil {
		return nil, err
	}
	defer h.s.mu.Unlock()
	for _, hk := range h.s.hooks {
		if hk.Name == name {
			return &hk, nil
		}
	}
	return nil, nil
}

func (h hooks) Upsert(_ context.Context, hook model.Hook) (*model.Hook, error) {
	if err := h.s.lock(); err != nil {
		return nil, err
	}
	defer h.s.mu.Unlock()
	for id, existing := range h.s.hooks {
		if existing.Name == hook.Name && id != hook.ID {
			if hook.ID != "" {
				return nil, store.ErrDuplicate
			}
			hook.ID = id
		}
	}
	if hook.ID == "" {
		hook.ID = uuid.NewString()
	}
	hook.Timestamp = time.Now().UnixMilli()
	h.s.hooks[hook.ID] = hook
	return &hook, nil
}

func (h hooks) Delete(_ context.Context, id string) error {
	if err := h.s.lock(); err != nil {
		return err
	}
	defer h.s.mu.Unlock()
	delete(h.s.hooks, id)
	return nil
}

type replays struct{ s *Store }

func (r replays) Get(_ context.Context, topic string) (*model.ReplayState, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	st, ok := r.s.replays[topic]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (r replays) GetForInstance(_ context.Context, instanceID string) (*model.ReplayState, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	for _, st := range r.s.replays {
		if st.InstanceID == instanceID {
			return &st, nil
		}
	}
	return nil, nil
}

func (r replays) List(_ context.Context) ([]model.ReplayState, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	out := make([]model.ReplayState, 0, len(r.s.replays))
	for _, st := range r.s.replays {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (r replays) Create(_ context.Context, state model.ReplayState) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	if _, ok := r.s.replays[state.Topic]; ok {
		return false, nil
	}
	r.s.replays[state.Topic] = state
	return true, nil
}

func (r replays) Upsert(_ context.Context, state model.ReplayState) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	r.s.replays[state.Topic] = state
	return nil
}

func (r replays) Delete(_ context.Context, topic string) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	delete(r.s.replays, topic)
	return nil
}

func (r replays) DeleteForInstance(_ context.Context, instanceID string) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	for topic, st := range r.s.replays {
		if st.InstanceID == instanceID {
			delete(r.s.replays, topic)
		}
	}
	return nil
}

func (r replays) Truncate(_ context.Context) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	r.s.replays = make(map[string]model.ReplayState)
	return nil
}

type locks struct{ s *Store }

func (l locks) Acquire(_ context.Context, name, holder string, now, expiresAt int64) (bool, error) {
	if err := l.s.lock(); err != nil {
		return false, err
	}
	defer l.s.mu.Unlock()
	current, ok := l.s.locks[name]
	if ok && current.ExpiresAt > now {
		return false, nil
	}
	l.s.locks[name] = model.Lock{Name: name, HolderID: holder, ExpiresAt: expiresAt}
	return true, nil
}

func (l locks) Extend(_ context.Context, name, holder string, now, by int64) (bool, error) {
	if err := l.s.lock(); err != nil {
		return false, err
	}
	defer l.s.mu.Unlock()
	current, ok := l.s.locks[name]
	if !ok || current.HolderID != holder || current.ExpiresAt < now {
		return false, nil
	}
	current.ExpiresAt += by
	l.s.locks[name] = current
	return true, nil
}

func (l locks) Release(_ context.Context, name, holder string, now int64) (bool, error) {
	if err := l.s.lock(); err != nil {
		return false, err
	}
	defer l.s.mu.Unlock()
	current, ok := l.s.locks[name]
	if !ok || current.HolderID != holder || current.ExpiresAt < now {
		return false, nil
	}
	delete(l.s.locks, name)
	return true, nil
}

type metadata struct{ s *Store }

func (m metadata) Get(_ context.Context, topic string) (*model.TopicMetadata, error) {
	if err := m.s.lock(); err != nil {
		return nil, err
	}
	defer m.s.mu.Unlock()
	md, ok := m.s.metadata[topic]
	if !ok {
		return nil, nil
	}
	return &md, nil
}

func (m metadata) List(_ context.Context) ([]model.TopicMetadata, error) {
	if err := m.s.lock(); err != nil {
		return nil, err
	}
	defer m.s.mu.Unlock()
	out := make([]model.TopicMetadata, 0, len(m.s.metadata))
	for _, md := range m.s.metadata {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (m metadata) Upsert(_ context.Context, md model.TopicMetadata) error {
	if err := m.s.lock(); err != nil {
		return err
	}
	defer m.s.mu.Unlock()
	m.s.metadata[md.Topic] = md
	return nil
}

func (m metadata) Delete(_ context.Context, topic string) error {
	if err := m.s.lock(); err != nil {
		return err
	}
	defer m.s.mu.Unlock()
	delete(m.s.metadata, topic)
	return nil
}

func sameKey(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func filter(recs []model.KeyIndex, keep func(model.KeyIndex) bool) []model.KeyIndex {
	out := recs[:0]
	for _, r := range recs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
