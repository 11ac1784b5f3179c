// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventbus fans Workflow events out to subscribers (the REST log
// endpoint and the WebSocket broadcaster), backed by store.EventRepository
// for replay of anything emitted before a subscriber attached.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/workflow"
)

// All is the wildcard key a subscriber uses to receive every workflow's
// events rather than one workflow's.
const All = "*"

// DefaultQueueSize is the default bound on a subscriber's channel.
const DefaultQueueSize = 1024

// Bus fans out workflow.Event values to live subscribers and persists them
// via an EventRepository for later replay.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{} // keyed by workflow ID, plus All
	events      store.EventRepository
	sequences   sync.Map // workflow ID -> *uint64 next-sequence counter
}

type subscriber struct {
	ch chan workflow.Event
}

// New returns a Bus that persists through events.
func New(events store.EventRepository) *Bus {
	return &Bus{
		subscribers: make(map[string]map[*subscriber]struct{}),
		events:      events,
	}
}

// Emit assigns the next sequence number for e.WorkflowID, persists e, and
// delivers it to every matching live subscriber. Slow subscribers are
// dropped rather than blocking the emitter or losing the event for everyone
// else, per the replace-teacher's-drop-the-message behavior with
// drop-the-subscriber instead.
func (b *Bus) Emit(ctx context.Context, e workflow.Event) error {
	e.Sequence = b.nextSequence(e.WorkflowID)
	if err := b.events.Append(ctx, e); err != nil {
		return err
	}

	b.mu.RLock()
	var targets []*subscriber
	for s := range b.subscribers[e.WorkflowID] {
		targets = append(targets, s)
	}
	for s := range b.subscribers[All] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- e:
		default:
			b.dropSlowSubscriber(e.WorkflowID, s)
		}
	}
	return nil
}

func (b *Bus) dropSlowSubscriber(workflowID string, s *subscriber) {
	slog.Warn("dropping slow event subscriber", "workflow_id", workflowID)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{workflowID, All} {
		if set, ok := b.subscribers[key]; ok {
			if _, present := set[s]; present {
				delete(set, s)
				close(s.ch)
			}
		}
	}
}

func (b *Bus) nextSequence(workflowID string) uint64 {
	v, _ := b.sequences.LoadOrStore(workflowID, new(uint64))
	ptr := v.(*uint64)
	*ptr++
	return *ptr
}

// Subscription is a replay-then-live-tail view of a workflow's events (or
// all workflows', when key is All).
type Subscription struct {
	Events <-chan workflow.Event
	Close  func()
}

// Subscribe returns replay events (sequence > sinceSeq) immediately in the
// returned slice, then streams subsequent live events through the returned
// Subscription. key is either a workflow ID or All.
func (b *Bus) Subscribe(ctx context.Context, key string, sinceSeq uint64) ([]workflow.Event, *Subscription, error) {
	s := &subscriber{ch: make(chan workflow.Event, DefaultQueueSize)}

	b.mu.Lock()
	if b.subscribers[key] == nil {
		b.subscribers[key] = make(map[*subscriber]struct{})
	}
	b.subscribers[key][s] = struct{}{}
	b.mu.Unlock()

	var replay []workflow.Event
	if key != All {
		var err error
		replay, err = b.events.ListSince(ctx, key, sinceSeq)
		if err != nil {
			b.unsubscribe(key, s)
			return nil, nil, err
		}
	}

	closeOnce := sync.OnceFunc(func() { b.unsubscribe(key, s) })
	return replay, &Subscription{Events: s.ch, Close: closeOnce}, nil
}

// TotalSubscriberCount returns the number of live subscriptions across every
// key (individual workflows plus the All feed). Satisfies
// tracing.SubscriberCounter for the amelia_ws_subscribers gauge.
func (b *Bus) TotalSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, set := range b.subscribers {
		total += len(set)
	}
	return total
}

// SubscriberMapKeyCount returns the number of distinct keys (workflow IDs,
// plus All if subscribed) currently holding at least one subscriber.
func (b *Bus) SubscriberMapKeyCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) unsubscribe(key string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subscribers[key]; ok {
		if _, present := set[s]; present {
			delete(set, s)
			close(s.ch)
		}
	}
}
