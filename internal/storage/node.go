package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	nodeMetaKeyTempl = "node:%s:meta"
	nodeSetKey       = "nodes"
	rosterKey        = "roster"
)

// NodeMeta is the per-node bookkeeping the gateway maintains in Redis:
// when the node was last heard and at what signal strength.
type NodeMeta struct {
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
	RSSI     int       `json:"rssi"`
}

// SaveNodeMeta stores the node metadata and registers the node id in
// the node set. Entries expire after the configured node TTL so nodes
// removed from the field age out.
func SaveNodeMeta(ctx context.Context, meta NodeMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "marshal node meta error")
	}

	key := GetRedisKey(nodeMetaKeyTempl, meta.NodeID)
	pipe := RedisClient().TxPipeline()
	pipe.Set(ctx, key, b, nodeTTL)
	pipe.SAdd(ctx, GetRedisKey(nodeSetKey), meta.NodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "save node meta error")
	}

	log.WithFields(log.Fields{
		"node_id": meta.NodeID,
		"rssi":    meta.RSSI,
	}).Debug("storage: node meta saved")
	return nil
}

// GetNodeMeta returns the metadata for one node.
func GetNodeMeta(ctx context.Context, nodeID string) (NodeMeta, error) {
	var meta NodeMeta

	key := GetRedisKey(nodeMetaKeyTempl, nodeID)
	b, err := RedisClient().Get(ctx, key).Bytes()
	if err != nil {
		return meta, errors.Wrap(err, "get node meta error")
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, errors.Wrap(err, "unmarshal node meta error")
	}
	return meta, nil
}

// ListNodes returns every node id ever heard from (within the TTL),
// with stale set members pruned against their expired meta keys.
func ListNodes(ctx context.Context) ([]NodeMeta, error) {
	ids, err := RedisClient().SMembers(ctx, GetRedisKey(nodeSetKey)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list nodes error")
	}

	var out []NodeMeta
	for _, id := range ids {
		meta, err := GetNodeMeta(ctx, id)
		if err != nil {
			// Meta expired: drop the id from the set.
			RedisClient().SRem(ctx, GetRedisKey(nodeSetKey), id)
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// SaveRoster stores the most recent validated discovery result.
func SaveRoster(ctx context.Context, nodes []string) error {
	b, err := json.Marshal(nodes)
	if err != nil {
		return errors.Wrap(err, "marshal roster error")
	}
	if err := RedisClient().Set(ctx, GetRedisKey(rosterKey), b, 0).Err(); err != nil {
		return errors.Wrap(err, "save roster error")
	}
	return nil
}

// GetRoster returns the most recent validated discovery result, or an
// empty list when discovery has not run yet.
func GetRoster(ctx context.Context) ([]string, error) {
	b, err := RedisClient().Get(ctx, GetRedisKey(rosterKey)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get roster error")
	}
	var nodes []string
	if err := json.Unmarshal(b, &nodes); err != nil {
		return nil, errors.Wrap(err, "unmarshal roster error")
	}
	return nodes, nil
}
