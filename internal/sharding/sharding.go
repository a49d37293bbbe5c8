// Package sharding maps channels to shards and routes cross-shard
// messages with a Merkle inclusion proof against the source shard's
// state root, generalized from the teacher's core/sharding.go
// (shardOfAddr, Peer.Send framing) to channel_id keys and a real
// fold-the-siblings proof (see internal/merkle).
package sharding

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/merkle"
	"github.com/chikuno/dchat/internal/types"
)

// ShardID identifies a shard, 0..NumShards-1.
type ShardID uint32

// Shard mirrors spec §3's Shard entity.
type Shard struct {
	ID           ShardID
	Channels     map[string]struct{}
	MessageIDs   []string // membership set backing the current StateRoot
	StateRoot    types.Hash
	MessageCount uint64
	LastUpdated  time.Time
}

// CrossShardMessage wraps a payload crossing from one shard to another,
// carrying a Merkle proof against the source shard's StateRoot.
type CrossShardMessage struct {
	SourceShard ShardID
	DestShard   ShardID
	ChannelID   string
	MessageID   string
	Payload     []byte
	Proof       merkle.Proof
	SourceRoot  types.Hash
}

// Router owns the channel->shard assignment table and per-shard state,
// one writer lock per the single-writer-lock-per-subsystem convention
// used throughout the dual-chain state machine.
type Router struct {
	mu sync.RWMutex

	numShards    uint32
	shards       map[ShardID]*Shard
	assignment   map[string]ShardID // channel_id -> shard, sticky once set
	trackedShard map[ShardID]struct{}
	lightClient  bool
}

// New constructs a Router over numShards shards. If tracked is non-empty
// the router runs in light-client mode, ignoring cross-shard messages
// destined for shards outside the set.
func New(numShards uint32, tracked ...ShardID) *Router {
	r := &Router{
		numShards:    numShards,
		shards:       make(map[ShardID]*Shard, numShards),
		assignment:   make(map[string]ShardID),
		trackedShard: make(map[ShardID]struct{}),
	}
	for i := uint32(0); i < numShards; i++ {
		r.shards[ShardID(i)] = &Shard{ID: ShardID(i), Channels: make(map[string]struct{})}
	}
	if len(tracked) > 0 {
		r.lightClient = true
		for _, s := range tracked {
			r.trackedShard[s] = struct{}{}
		}
	}
	return r
}

// ShardOfChannel deterministically hashes channel_id to a shard via a
// truncated blake3 digest modulo num_shards — stable under repeated
// calls, as required by spec §4.3.
func ShardOfChannel(channelID string, numShards uint32) ShardID {
	sum := blake3.Sum256([]byte(channelID))
	h := binary.BigEndian.Uint32(sum[:4])
	return ShardID(h % numShards)
}

// AssignChannel returns the channel's shard, computing and sticking the
// assignment on first use. Once assigned a channel never migrates
// except via Rebalance.
func (r *Router) AssignChannel(channelID string) ShardID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid, ok := r.assignment[channelID]; ok {
		return sid
	}
	sid := ShardOfChannel(channelID, r.numShards)
	r.assignment[channelID] = sid
	r.shards[sid].Channels[channelID] = struct{}{}
	return sid
}

// Rebalance explicitly reassigns a channel to a new shard, the only
// sanctioned way to move a channel once assigned.
func (r *Router) Rebalance(channelID string, newShard ShardID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shards[newShard]; !ok {
		return errs.New(errs.Validation, "sharding.Rebalance", fmt.Sprintf("unknown shard %d", newShard))
	}
	if old, ok := r.assignment[channelID]; ok {
		delete(r.shards[old].Channels, channelID)
	}
	r.assignment[channelID] = newShard
	r.shards[newShard].Channels[channelID] = struct{}{}
	return nil
}

// RecordMessage adds messageID to the shard owning channelID and
// recomputes the shard's state root over its current message-id set.
func (r *Router) RecordMessage(channelID, messageID string) (ShardID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.assignment[channelID]
	if !ok {
		return 0, errs.New(errs.Validation, "sharding.RecordMessage", fmt.Sprintf("channel %s not assigned", channelID))
	}
	sh := r.shards[sid]
	sh.MessageIDs = append(sh.MessageIDs, messageID)
	sh.MessageCount++
	sh.LastUpdated = time.Now().UTC()
	sh.StateRoot = merkle.Build(sh.MessageIDs).Root()
	return sid, nil
}

// ProveMembership returns a Merkle proof that messageID is a member of
// shard sid's current message set, for building a CrossShardMessage.
func (r *Router) ProveMembership(sid ShardID, messageID string) (merkle.Proof, types.Hash, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh, ok := r.shards[sid]
	if !ok {
		return merkle.Proof{}, types.Hash{}, errs.New(errs.Validation, "sharding.ProveMembership", fmt.Sprintf("unknown shard %d", sid))
	}
	tree := merkle.Build(sh.MessageIDs)
	proof, ok := tree.Prove(messageID)
	if !ok {
		return merkle.Proof{}, types.Hash{}, errs.New(errs.Validation, "sharding.ProveMembership",
			fmt.Sprintf("message %s not a member of shard %d", messageID, sid))
	}
	return proof, tree.Root(), nil
}

// RouteCrossShard delivers msg to its destination shard iff the Merkle
// proof against SourceRoot verifies, and (in light-client mode) iff the
// destination shard is tracked. Non-tracked messages are ignored, not
// errored — matching spec §4.3's "all others are ignored".
func (r *Router) RouteCrossShard(msg CrossShardMessage) (delivered bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lightClient {
		if _, tracked := r.trackedShard[msg.DestShard]; !tracked {
			return false, nil
		}
	}
	if !merkle.Verify(msg.MessageID, msg.Proof, msg.SourceRoot) {
		return false, errs.New(errs.Protocol, "sharding.RouteCrossShard",
			fmt.Sprintf("invalid cross-shard proof for message %s", msg.MessageID))
	}
	dest, ok := r.shards[msg.DestShard]
	if !ok {
		return false, errs.New(errs.Validation, "sharding.RouteCrossShard", fmt.Sprintf("unknown destination shard %d", msg.DestShard))
	}
	dest.MessageIDs = append(dest.MessageIDs, msg.MessageID)
	dest.MessageCount++
	dest.LastUpdated = time.Now().UTC()
	dest.StateRoot = merkle.Build(dest.MessageIDs).Root()
	return true, nil
}

// Shard returns a snapshot of shard sid's state.
func (r *Router) Shard(sid ShardID) (Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh, ok := r.shards[sid]
	if !ok {
		return Shard{}, errs.New(errs.Validation, "sharding.Shard", fmt.Sprintf("unknown shard %d", sid))
	}
	channels := make(map[string]struct{}, len(sh.Channels))
	for c := range sh.Channels {
		channels[c] = struct{}{}
	}
	ids := append([]string(nil), sh.MessageIDs...)
	sort.Strings(ids)
	return Shard{
		ID: sh.ID, Channels: channels, MessageIDs: ids, StateRoot: sh.StateRoot,
		MessageCount: sh.MessageCount, LastUpdated: sh.LastUpdated,
	}, nil
}
