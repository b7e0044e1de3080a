package provision

import (
	"context"
	"time"

	"github.com/incant-go/incant/internal/spec"
)

// Tracker answers whether a fingerprint has already been applied to one
// instance and appends to its record after each successful step.
type Tracker struct {
	store RecordStore
	rec   *Record
	now   func() time.Time
}

// LoadTracker reads the current record from store.
func LoadTracker(ctx context.Context, store RecordStore) (*Tracker, error) {
	rec, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Tracker{store: store, rec: rec, now: time.Now}, nil
}

func (t *Tracker) IsApplied(fp Fingerprint) bool {
	e, ok := t.rec.Steps[fp]
	return ok && e.OK
}

// RecordApplied persists fp as applied. The in-memory record is only updated
// once the store accepted it.
func (t *Tracker) RecordApplied(ctx context.Context, fp Fingerprint, kind spec.StepKind) error {
	next := *t.rec
	next.Steps = make(map[Fingerprint]Entry, len(t.rec.Steps)+1)
	for k, v := range t.rec.Steps {
		next.Steps[k] = v
	}
	next.Seq++
	next.Steps[fp] = Entry{Seq: next.Seq, OK: true, Kind: string(kind), AppliedAt: t.now().UTC()}
	if err := t.store.Save(ctx, &next); err != nil {
		return err
	}
	t.rec = &next
	return nil
}

// Applied returns the number of fingerprints recorded as applied.
func (t *Tracker) Applied() int {
	n := 0
	for _, e := range t.rec.Steps {
		if e.OK {
			n++
		}
	}
	return n
}
