package session

import (
	"encoding/json"
	"time"
)

// Event is the closed set of values a shard emits outward. Consumers type-switch
// over the concrete pointer types declared in this file.
type Event interface {
	ShardID() int
	isEvent()
}

// Dispatch is one server event, delivered in wire order.
type Dispatch struct {
	Shard int
	Seq   int64
	Name  string
	Data  json.RawMessage
}

// Connected reports a completed identify or resume handshake.
type Connected struct {
	Shard     int
	SessionID string
	Resumed   bool
}

// Disconnected reports a torn-down transport that will be retried.
type Disconnected struct {
	Shard  int
	Reason error
	Resume bool
}

// StateChanged reports one session state transition.
type StateChanged struct {
	Shard int
	From  State
	To    State
}

type HeartbeatAcked struct {
	Shard   int
	Latency time.Duration
}

// Fatal reports a shard that stopped retrying.
type Fatal struct {
	Shard int
	Err   error
}

func (e *Dispatch) ShardID() int       { return e.Shard }
func (e *Connected) ShardID() int      { return e.Shard }
func (e *Disconnected) ShardID() int   { return e.Shard }
func (e *StateChanged) ShardID() int   { return e.Shard }
func (e *HeartbeatAcked) ShardID() int { return e.Shard }
func (e *Fatal) ShardID() int          { return e.Shard }

func (*Dispatch) isEvent()       {}
func (*Connected) isEvent()      {}
func (*Disconnected) isEvent()   {}
func (*StateChanged) isEvent()   {}
func (*HeartbeatAcked) isEvent() {}
func (*Fatal) isEvent()          {}

// Decode unmarshals the dispatch data into out.
func (e *Dispatch) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}
