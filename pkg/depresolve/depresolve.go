// Package depresolve implements DependencyResolver (spec.md §4.3 first
// half): before a task can be submitted for scheduling, every by-reference
// argument must be available locally. Small, direct-transport arguments are
// inlined straight into the task spec so the executing worker never has to
// fetch them separately; larger, plasma-transport arguments are pulled into
// the local object store if missing and then read back, so the resolved
// argument carries their bytes as well as their id. The executing worker is
// not left to fetch plasma arguments itself.
package depresolve

import (
	"context"
	"fmt"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/memorystore"
	"github.com/cuemby/warren/pkg/objecttransport"
	"github.com/cuemby/warren/pkg/plasmaclient"
	"github.com/rs/zerolog"
)

// Arg is one task argument as seen by the submitter, before resolution.
type Arg struct {
	// Literal holds the bytes of a pass-by-value argument. Mutually
	// exclusive with ObjectID being non-nil.
	Literal []byte

	// ObjectID is set for a pass-by-reference argument.
	ObjectID coreids.ObjectID
	// NumChunks is the chunk count to request if a plasma pull is needed;
	// meaningless for direct-transport or literal args.
	NumChunks int
}

func (a Arg) isReference() bool { return !a.ObjectID.IsNil() }

// ResolvedArg is an argument ready to hand to the executing worker: either
// the original literal, or the bytes fetched/inlined for a reference arg,
// tagged with the originating ObjectID so the callee can still register a
// local reference / wrap relationship against it.
type ResolvedArg struct {
	Data     []byte
	Metadata []byte
	ObjectID coreids.ObjectID // zero value for a literal arg
}

// Resolver resolves a task's arguments against the local MemoryStore (for
// small, direct-transport objects) and, for everything else, pulls the
// object into the local plasma store first.
type Resolver struct {
	memStore *memorystore.Store
	plasma   plasmaclient.Store
	puller   *objecttransport.Puller
	cfg      coreconfig.Config
	logger   zerolog.Logger
}

// New builds a Resolver wired to the given collaborators.
func New(memStore *memorystore.Store, plasma plasmaclient.Store, puller *objecttransport.Puller, cfg coreconfig.Config) *Resolver {
	return &Resolver{
		memStore: memStore,
		plasma:   plasma,
		puller:   puller,
		cfg:      cfg,
		logger:   corelog.WithComponent("depresolve"),
	}
}

// Resolve blocks until every argument in args is available locally, or ctx
// is done, or one argument's creating task ended in failure (in which case
// the failure's error is returned — a task never runs with a failed
// dependency, per spec.md §7).
func (r *Resolver) Resolve(ctx context.Context, args []Arg) ([]ResolvedArg, error) {
	resolved := make([]ResolvedArg, len(args))
	for i, arg := range args {
		if !arg.isReference() {
			resolved[i] = ResolvedArg{Data: arg.Literal}
			continue
		}
		ra, err := r.resolveOne(ctx, arg)
		if err != nil {
			return nil, err
		}
		resolved[i] = ra
	}
	return resolved, nil
}

func (r *Resolver) resolveOne(ctx context.Context, arg Arg) (ResolvedArg, error) {
	id := arg.ObjectID

	switch id.TransportClass() {
	case coreids.TransportDirect:
		objs, err := r.memStore.Get(ctx, []coreids.ObjectID{id})
		if err != nil {
			return ResolvedArg{}, fmt.Errorf("depresolve: get direct object %s: %w", id, err)
		}
		obj := objs[0]
		if obj.IsFailure() {
			return ResolvedArg{}, obj.Err
		}
		return ResolvedArg{Data: obj.Data, Metadata: obj.Metadata, ObjectID: id}, nil

	case coreids.TransportPlasma:
		if !r.plasma.Contains(id) {
			if err := r.puller.Pull(ctx, id, arg.NumChunks); err != nil {
				return ResolvedArg{}, fmt.Errorf("depresolve: pull %s: %w", id, err)
			}
		}
		data, metadata, err := r.plasma.Get(id)
		if err != nil {
			return ResolvedArg{}, fmt.Errorf("depresolve: read %s from plasma: %w", id, err)
		}
		return ResolvedArg{Data: data, Metadata: metadata, ObjectID: id}, nil

	default:
		return ResolvedArg{}, fmt.Errorf("depresolve: unknown transport class for %s", id)
	}
}

// ShouldInline reports whether an object of the given size is small enough
// to pass as a direct-transport, MemoryStore-resident argument rather than
// going through plasma (spec.md §4.3 InlineObjectMaxBytes).
func (r *Resolver) ShouldInline(sizeBytes int64) bool {
	return sizeBytes <= r.cfg.InlineObjectMaxBytes
}

// ResolveAsync resolves args without blocking the caller's goroutine,
// invoking onReady once all arguments are available (or onReady is called
// with an error on the first failure). Each call runs Resolve on a goroutine
// of its own.
func (r *Resolver) ResolveAsync(ctx context.Context, args []Arg, onReady func([]ResolvedArg, error)) {
	go func() {
		resolved, err := r.Resolve(ctx, args)
		onReady(resolved, err)
	}()
}
