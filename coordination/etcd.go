package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

var _ Client = (*EtcdClient)(nil)

// EtcdClient is the concrete CoordinationClient backing the session
// engine: sessions live as lease-backed keys under
// <prefix>/sessions/<id>, partitions under
// <prefix>/partitions/<eventType>/<partitionId>, and a distributed
// lock is a concurrency.Mutex under <prefix>/lock. This mirrors the
// abstract layout of spec.md §6; enrichment grounded on
// other_examples/scalytics-kafscale__main.go's etcd-backed metadata
// store (the teacher library has no coordination store of its own).
type EtcdClient struct {
	cli    *clientv3.Client
	prefix string
	logger logger.Logger

	mu      sync.Mutex
	session *concurrency.Session
}

// NewEtcdClient builds a client scoped to one subscription; prefix is
// typically "/substream/subscriptions/<subscriptionId>".
func NewEtcdClient(cli *clientv3.Client, prefix string, l logger.Logger) *EtcdClient {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &EtcdClient{
		cli:    cli,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: l.With("component", "coordination", "backend", "etcd"),
	}
}

func (e *EtcdClient) sessionKey(id string) string     { return e.prefix + "/sessions/" + id }
func (e *EtcdClient) sessionPrefix() string            { return e.prefix + "/sessions/" }
func (e *EtcdClient) partitionKey(k model.PartitionKey) string {
	return e.prefix + "/partitions/" + k.EventType + "/" + k.PartitionID
}
func (e *EtcdClient) partitionPrefix() string { return e.prefix + "/partitions/" }
func (e *EtcdClient) lockKey() string         { return e.prefix + "/lock" }

type storedPartition struct {
	OwningSessionID string `json:"owning_session_id"`
	State           int    `json:"state"`
	Offset          string `json:"offset"`
	TimelineID      string `json:"timeline_id"`
}

func (e *EtcdClient) RegisterSession(ctx context.Context, session model.Session) error {
	lease, err := e.cli.Grant(ctx, 30)
	if err != nil {
		return Unavailable(err)
	}

	payload, _ := json.Marshal(session)
	_, err = e.cli.Put(ctx, e.sessionKey(session.ID), string(payload), clientv3.WithLease(lease.ID))
	if err != nil {
		return Unavailable(err)
	}

	keepAliveCh, err := e.cli.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return Unavailable(err)
	}
	go func() {
		for range keepAliveCh {
			// drain; etcd client renews the lease as long as this runs
		}
	}()

	e.logger.Info("session registered", "sessionId", session.ID)
	return nil
}

func (e *EtcdClient) UnregisterSession(ctx context.Context, session model.Session) error {
	_, err := e.cli.Delete(ctx, e.sessionKey(session.ID))
	if err != nil {
		return Unavailable(err)
	}
	return nil
}

func (e *EtcdClient) IsActiveSession(ctx context.Context, sessionID string) (bool, error) {
	resp, err := e.cli.Get(ctx, e.sessionKey(sessionID))
	if err != nil {
		return false, Unavailable(err)
	}
	return len(resp.Kvs) > 0, nil
}

func (e *EtcdClient) ListPartitions(ctx context.Context) ([]model.Partition, error) {
	resp, err := e.cli.Get(ctx, e.partitionPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, Unavailable(err)
	}

	out := make([]model.Partition, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key, ok := parsePartitionKey(e.partitionPrefix(), string(kv.Key))
		if !ok {
			continue
		}
		var sp storedPartition
		if err := json.Unmarshal(kv.Value, &sp); err != nil {
			e.logger.Warn("malformed partition record", "key", string(kv.Key), "error", err)
			continue
		}
		out = append(out, model.Partition{
			Key:             key,
			OwningSessionID: sp.OwningSessionID,
			State:           model.PartitionState(sp.State),
			CommittedOffset: model.Cursor{Partition: key, Offset: sp.Offset, TimelineID: sp.TimelineID},
		})
	}
	return out, nil
}

func parsePartitionKey(prefix, full string) (model.PartitionKey, bool) {
	rest := strings.TrimPrefix(full, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return model.PartitionKey{}, false
	}
	return model.PartitionKey{EventType: parts[0], PartitionID: parts[1]}, true
}

func (e *EtcdClient) SubscribeForSessionListChanges(cb SessionListCallback) (Watcher, error) {
	watchCtx, cancel := context.WithCancel(context.Background())
	watchCh := e.cli.Watch(watchCtx, e.sessionPrefix(), clientv3.WithPrefix())

	go func() {
		for range watchCh {
			cb()
		}
	}()

	return closerFunc(func() error {
		cancel()
		return nil
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (e *EtcdClient) RebalanceSessions(ctx context.Context) error {
	// The actual reassignment computation is a server-side concern out
	// of this module's scope (spec.md §1); triggering it here writes the
	// current time to <prefix>/rebalance-trigger so watchers of that key
	// downstream of a real rebalancer observe a fresh revision.
	_, err := e.cli.Put(ctx, e.prefix+"/rebalance-trigger", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Unavailable(err)
	}
	return nil
}

func (e *EtcdClient) GetOffset(ctx context.Context, key model.PartitionKey) (model.Cursor, error) {
	resp, err := e.cli.Get(ctx, e.partitionKey(key))
	if err != nil {
		return model.Cursor{}, Unavailable(err)
	}
	if len(resp.Kvs) == 0 {
		return model.Cursor{Partition: key}, nil
	}
	var sp storedPartition
	if err := json.Unmarshal(resp.Kvs[0].Value, &sp); err != nil {
		return model.Cursor{}, Unavailable(err)
	}
	return model.Cursor{Partition: key, Offset: sp.Offset, TimelineID: sp.TimelineID}, nil
}

// CommitOffsets performs one compare-and-swap transaction per cursor:
// read-modify-write isn't atomic across cursors, matching spec.md
// §4.3's per-cursor success semantics (strictly-greater succeeds,
// equal/lesser returns false).
func (e *EtcdClient) CommitOffsets(
	ctx context.Context, cursors []model.Cursor, comparator model.CursorComparator,
) ([]bool, error) {
	results := make([]bool, len(cursors))

	for i, cursor := range cursors {
		key := e.partitionKey(cursor.Partition)

		resp, err := e.cli.Get(ctx, key)
		if err != nil {
			return nil, Unavailable(err)
		}

		var current model.Cursor
		var existingValue string
		if len(resp.Kvs) > 0 {
			var sp storedPartition
			if err := json.Unmarshal(resp.Kvs[0].Value, &sp); err == nil {
				current = model.Cursor{Partition: cursor.Partition, Offset: sp.Offset, TimelineID: sp.TimelineID}
			}
			existingValue = string(resp.Kvs[0].Value)
		}

		if resp2 := comparator(cursor, current); resp2 <= 0 {
			results[i] = false
			continue
		}

		payload, _ := json.Marshal(storedPartition{Offset: cursor.Offset, TimelineID: cursor.TimelineID})

		var cmp clientv3.Cmp
		if len(resp.Kvs) > 0 {
			cmp = clientv3.Compare(clientv3.Value(key), "=", existingValue)
		} else {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		}

		txnResp, err := e.cli.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(key, string(payload))).
			Commit()
		if err != nil {
			return nil, Unavailable(err)
		}

		results[i] = txnResp.Succeeded
	}

	return results, nil
}

// ResetCursors overwrites the given partitions' committed offsets under
// the subscription lock. drainTimeout is ignored: the reset does not
// wait for in-flight events, and sessions streaming those partitions
// are not blocked by it, since CommitOffsets does not take the lock.
func (e *EtcdClient) ResetCursors(ctx context.Context, cursors []model.Cursor, drainTimeout time.Duration) error {
	_ = drainTimeout
	return e.RunLocked(ctx, func(ctx context.Context) error {
		for _, cursor := range cursors {
			payload, _ := json.Marshal(storedPartition{Offset: cursor.Offset, TimelineID: cursor.TimelineID})
			if _, err := e.cli.Put(ctx, e.partitionKey(cursor.Partition), string(payload)); err != nil {
				return Unavailable(err)
			}
		}
		return nil
	})
}

func (e *EtcdClient) RunLocked(ctx context.Context, action func(ctx context.Context) error) error {
	sess, err := e.lockSession()
	if err != nil {
		return Unavailable(err)
	}

	mu := concurrency.NewMutex(sess, e.lockKey())
	if err := mu.Lock(ctx); err != nil {
		return Unavailable(fmt.Errorf("acquire lock: %w", err))
	}
	defer func() {
		if err := mu.Unlock(context.Background()); err != nil {
			e.logger.Warn("failed to release subscription lock", "error", err)
		}
	}()

	return action(ctx)
}

func (e *EtcdClient) lockSession() (*concurrency.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		select {
		case <-e.session.Done():
			e.session = nil
		default:
			return e.session, nil
		}
	}

	sess, err := concurrency.NewSession(e.cli)
	if err != nil {
		return nil, err
	}
	e.session = sess
	return sess, nil
}

func (e *EtcdClient) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return e.session.Close()
	}
	return nil
}
