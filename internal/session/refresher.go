package session

import (
	"context"
	"sync/atomic"

	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/streams"
)

// Sender accepts machine events.
type Sender interface {
	Send(ev event.Event) error
}

// Refresher is the machine's definition source: it reads the stream from the
// store and answers with stream.received. It is bound to a machine after
// construction because the machine takes Refresh as an option.
type Refresher struct {
	repo   streams.Repository
	target atomic.Pointer[senderBox]
}

type senderBox struct{ s Sender }

// NewRefresher creates a refresher reading from repo.
func NewRefresher(repo streams.Repository) *Refresher {
	return &Refresher{repo: repo}
}

// Bind sets the machine that receives refreshed definitions.
func (r *Refresher) Bind(s Sender) {
	r.target.Store(&senderBox{s: s})
}

// Refresh fetches name and sends stream.received. Errors are logged; the
// machine keeps its current definition.
func (r *Refresher) Refresh(ctx context.Context, name string) {
	box := r.target.Load()
	if box == nil {
		log.Warn(log.CatStream, "refresh before bind", "stream", name)
		return
	}
	def, err := r.repo.Get(ctx, name)
	if err != nil {
		log.ErrorErr(log.CatStream, "refresh failed", err, "stream", name)
		return
	}
	if err := box.s.Send(event.Received{Definition: def}); err != nil {
		log.ErrorErr(log.CatStream, "refresh not delivered", err, "stream", name)
		return
	}
	log.Debug(log.CatStream, "definition refreshed", "stream", name,
		"processors", len(def.Stream.Ingest.Processing))
}

// Watch refreshes name when a signal from changes finds the stream's stored
// revision moved, until ctx is done or changes is closed. Writes that leave
// the stream untouched, such as new samples or other streams, are skipped so
// staged edits survive them.
func (r *Refresher) Watch(ctx context.Context, name string, changes <-chan struct{}) {
	last, err := r.repo.Revision(ctx, name)
	if err != nil {
		log.ErrorErr(log.CatWatcher, "reading stream revision", err, "stream", name)
		last = -1
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			rev, err := r.repo.Revision(ctx, name)
			if err != nil {
				log.ErrorErr(log.CatWatcher, "reading stream revision", err, "stream", name)
				continue
			}
			if rev == last {
				log.Debug(log.CatWatcher, "store change, stream unchanged", "stream", name, "revision", rev)
				continue
			}
			log.Debug(log.CatWatcher, "store change, refreshing", "stream", name, "revision", rev, "previous", last)
			last = rev
			r.Refresh(ctx, name)
		}
	}
}
