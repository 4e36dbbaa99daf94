package objecttransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/coremetrics"
	"github.com/cuemby/warren/pkg/gcsclient"
	"github.com/cuemby/warren/pkg/plasmaclient"
	"github.com/rs/zerolog"
)

// ChunkFetcher retrieves one chunk of a remote object over the RPC
// transport. pkg/corerpc supplies the real implementation; this interface
// keeps objecttransport free of any direct network dependency, consistent
// with modeling external interfaces as abstract capabilities (spec.md §9).
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, nodeAddr string, id coreids.ObjectID, chunkIndex, numChunks int) ([]byte, error)
}

type pullState struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Puller drives Pull requests: for each id, it rotates through the nodes GCS
// reports as holding a copy, retrying on failure, until the object lands in
// the local plasma store or the pull is cancelled.
type Puller struct {
	mu       sync.Mutex
	inFlight map[coreids.ObjectID]*pullState

	gcs     gcsclient.Client
	store   plasmaclient.Store
	fetcher ChunkFetcher
	cfg     coreconfig.Config
	logger  zerolog.Logger
}

// NewPuller builds a Puller wired to the given collaborators.
func NewPuller(gcs gcsclient.Client, store plasmaclient.Store, fetcher ChunkFetcher, cfg coreconfig.Config) *Puller {
	return &Puller{
		inFlight: make(map[coreids.ObjectID]*pullState),
		gcs:      gcs,
		store:    store,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   corelog.WithComponent("objecttransport.pull"),
	}
}

// Pull fetches id's bytes into the local plasma store if not already
// present, trying each node GCS reports as a holder in turn until one
// succeeds, ctx is cancelled, or PullTimeout elapses. Concurrent Pull calls
// for the same id join the single in-flight attempt rather than duplicating
// work (spec.md §4.2 "deduplicated").
func (p *Puller) Pull(ctx context.Context, id coreids.ObjectID, numChunks int) error {
	if p.store.Contains(id) {
		return nil
	}

	p.mu.Lock()
	if st, ok := p.inFlight[id]; ok {
		p.mu.Unlock()
		select {
		case <-st.done:
			return st.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	pullCtx, cancel := context.WithTimeout(context.Background(), p.cfg.PullTimeout)
	st := &pullState{cancel: cancel, done: make(chan struct{})}
	p.inFlight[id] = st
	p.mu.Unlock()

	coremetrics.PullsInFlight.Inc()
	st.err = p.run(pullCtx, id, numChunks)
	coremetrics.PullsInFlight.Dec()

	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
	close(st.done)
	cancel()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return st.err
	}
}

// CancelPull aborts any in-flight pull of id; waiters observe ctx.Err() from
// their own context, not from this cancellation directly.
func (p *Puller) CancelPull(id coreids.ObjectID) {
	p.mu.Lock()
	st, ok := p.inFlight[id]
	p.mu.Unlock()
	if ok {
		st.cancel()
	}
}

func (p *Puller) run(ctx context.Context, id coreids.ObjectID, numChunks int) error {
	locations, cancelSub := p.gcs.SubscribeLocations(id)
	defer cancelSub()

	attempts := 0
	backoff := 50 * time.Millisecond
	for attempts < p.cfg.NumConnectAttempts {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case loc, ok := <-locations:
			if !ok {
				return fmt.Errorf("objecttransport: no more locations for %s", id)
			}
			attempts++
			if err := p.fetchFrom(ctx, id, loc.NodeAddress, numChunks); err != nil {
				coremetrics.PullRetriesTotal.Inc()
				p.logger.Warn().Err(err).Str("object_id", id.String()).Str("node", loc.NodeAddress).Int("attempt", attempts).Msg("pull attempt failed, rotating node")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			return nil
		}
	}
	return coreerr.New(coreerr.ObjectUnreconstructable, id.String(), fmt.Errorf("exhausted %d connect attempts", p.cfg.NumConnectAttempts))
}

func (p *Puller) fetchFrom(ctx context.Context, id coreids.ObjectID, nodeAddr string, numChunks int) error {
	chunks := make([][]byte, numChunks)
	for i := 0; i < numChunks; i++ {
		chunk, err := p.fetcher.FetchChunk(ctx, nodeAddr, id, i, numChunks)
		if err != nil {
			return fmt.Errorf("objecttransport: fetch chunk %d/%d from %s: %w", i, numChunks, nodeAddr, err)
		}
		chunks[i] = chunk
	}
	data := make([]byte, 0)
	for _, c := range chunks {
		data = append(data, c...)
	}
	if err := p.store.Create(id, data, nil); err != nil {
		return fmt.Errorf("objecttransport: create %s: %w", id, err)
	}
	return p.store.Seal(id)
}
