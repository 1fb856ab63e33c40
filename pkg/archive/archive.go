package archive

import (
	"context"
	"fmt"
	"path"

	"golang.org/x/time/rate"

	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/ledger"
)

// Item is one artifact to upload.
type Item struct {
	Stage string
	Kind  catalog.ArtifactKind
	Path  string
	Key   string
	Size  int64
	ETag  string
}

// ArtifactKinds are the current artifacts uploaded for a complete stage.
var ArtifactKinds = append([]catalog.ArtifactKind{catalog.ArtifactConfig}, catalog.OutputKinds...)

// Archiver uploads the artifacts of complete stages.
type Archiver struct {
	Ledger  *ledger.Ledger
	Stages  []catalog.Stage
	Putter  Putter
	Bucket  string
	Prefix  string
	Limiter *rate.Limiter
	// Select narrows the artifacts; nil selects all.
	Select *Selector
}

// NewLimiter returns a limiter admitting perSecond uploads, or nil for no
// limit.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Key returns the object key of an artifact file name.
func (a *Archiver) Key(name string) string {
	if a.Prefix == "" {
		return name
	}
	return path.Join(a.Prefix, name)
}

// Plan lists the artifacts of every complete stage. Incomplete stages are
// returned separately and are not uploaded.
func (a *Archiver) Plan() ([]Item, []string, error) {
	var (
		items   []Item
		skipped []string
	)
	for _, s := range a.Stages {
		ok, err := a.Ledger.Complete(s)
		if err != nil {
			return nil, nil, fmt.Errorf("status %s: %w", s.Name, err)
		}
		if !ok {
			skipped = append(skipped, s.Name)
			continue
		}
		for _, kind := range ArtifactKinds {
			p := a.Ledger.Path(s.Name, kind)
			fi, err := a.Ledger.Fs().Stat(p)
			if err != nil || fi.IsDir() || !a.Select.Match(p) {
				continue
			}
			items = append(items, Item{
				Stage: s.Name,
				Kind:  kind,
				Path:  p,
				Key:   a.Key(fmt.Sprintf("%s.%s.%s", a.Ledger.Prefix(), s.Name, kind)),
				Size:  fi.Size(),
			})
		}
	}
	return items, skipped, nil
}

// Upload sends every planned item, calling onItem after each success.
func (a *Archiver) Upload(ctx context.Context, items []Item, onItem func(Item)) ([]Item, error) {
	done := make([]Item, 0, len(items))
	for _, it := range items {
		if a.Limiter != nil {
			if err := a.Limiter.Wait(ctx); err != nil {
				return done, err
			}
		}
		f, err := a.Ledger.Fs().Open(it.Path)
		if err != nil {
			return done, fmt.Errorf("open %s: %w", it.Path, err)
		}
		etag, err := a.Putter.PutObject(ctx, it.Key, f, it.Size)
		_ = f.Close()
		if err != nil {
			return done, err
		}
		it.ETag = etag
		done = append(done, it)
		if onItem != nil {
			onItem(it)
		}
	}
	return done, nil
}
