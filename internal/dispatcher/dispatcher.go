// Package dispatcher is the HTTP front end: it validates submissions,
// places jobs on the least-loaded queue for their language, and serves
// status, load, and health lookups.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"sentinel/internal/broker"
	"sentinel/internal/languages"
	"sentinel/internal/logging"
)

// languageQueues is a language's instance queues in fixed order. Placement
// ties break toward the earlier instance.
type languageQueues struct {
	language string
	queues   []*broker.Queue
}

// Dispatcher owns the queue topology and the registry.
type Dispatcher struct {
	client   *broker.Client
	registry *languages.Registry
	byLang   map[string]*languageQueues
	ordered  []*languageQueues
	log      *zap.Logger
}

// New builds the queue set for every registered language. Languages listed
// in instances get the legacy {language}-executor-{n} queues; the rest get
// the uniform {language}-executor queue.
func New(client *broker.Client, registry *languages.Registry, instances map[string]int) *Dispatcher {
	d := &Dispatcher{
		client:   client,
		registry: registry,
		byLang:   make(map[string]*languageQueues),
		log:      logging.L(),
	}

	opts := broker.DefaultOptions()
	for _, desc := range registry.List() {
		lq := &languageQueues{language: desc.Name}
		if n := instances[desc.Name]; n > 1 {
			for i := 1; i <= n; i++ {
				name := fmt.Sprintf("%s-executor-%d", desc.Name, i)
				lq.queues = append(lq.queues, broker.NewQueue(client, name, opts))
			}
		} else {
			lq.queues = append(lq.queues, broker.NewQueue(client, desc.Name+"-executor", opts))
		}
		d.byLang[desc.Name] = lq
		d.ordered = append(d.ordered, lq)
	}
	return d
}

// selectQueue picks the instance queue with the fewest waiting jobs,
// reading counts fresh on every call; a cached depth would defeat the
// balancer. Single-instance languages skip the lookup.
func (d *Dispatcher) selectQueue(ctx context.Context, language string) (*broker.Queue, error) {
	lq, ok := d.byLang[language]
	if !ok {
		return nil, fmt.Errorf("no queues for language %s", language)
	}
	if len(lq.queues) == 1 {
		return lq.queues[0], nil
	}

	best := lq.queues[0]
	bestWaiting := int64(-1)
	for _, q := range lq.queues {
		snap, err := q.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("read depth of %s: %w", q.Name(), err)
		}
		if bestWaiting == -1 || snap.Waiting < bestWaiting {
			best = q
			bestWaiting = snap.Waiting
		}
	}
	return best, nil
}

// allQueues flattens the topology in registration order.
func (d *Dispatcher) allQueues() []*broker.Queue {
	var out []*broker.Queue
	for _, lq := range d.ordered {
		out = append(out, lq.queues...)
	}
	return out
}

// languageOf maps a queue back to its language for /load reporting.
func (d *Dispatcher) languageOf(q *broker.Queue) string {
	for _, lq := range d.ordered {
		for _, candidate := range lq.queues {
			if candidate == q {
				return lq.language
			}
		}
	}
	return ""
}
