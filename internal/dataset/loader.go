package dataset

import (
	"context"
	"math/rand"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const defaultCacheSize = 512

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
	CacheSize  int
	Seed       int64
	Shuffle    bool
}

// Loader streams decoded samples in batches. Decoding runs on a worker pool
// while delivery order stays deterministic for a given seed. Decoded samples
// are kept in an LRU cache so later epochs skip the PNG decode.
type Loader struct {
	refs  []Ref
	opts  LoaderOptions
	cache *lru.Cache
	rng   *rand.Rand
}

// NewLoader validates opts and builds a Loader over refs.
func NewLoader(refs []Ref, opts LoaderOptions) (*Loader, error) {
	if len(refs) == 0 {
		return nil, errors.New("dataset: no samples to load")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("dataset: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "dataset: create cache")
	}
	return &Loader{
		refs:  refs,
		opts:  opts,
		cache: cache,
		rng:   rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Len returns the number of batches one epoch yields.
func (l *Loader) Len() int {
	return (len(l.refs) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// NumSamples returns the number of samples behind the loader.
func (l *Loader) NumSamples() int {
	return len(l.refs)
}

type decodeJob struct {
	pos int
	ref Ref
}

type decodeResult struct {
	pos    int
	sample Sample
}

// Epoch starts one pass over the data and returns a channel of sample
// batches plus an error channel. The final batch may be short. The error
// channel carries at most one error and is closed when the pass ends.
func (l *Loader) Epoch(parent context.Context) (<-chan []Sample, <-chan error) {
	order := make([]int, len(l.refs))
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan decodeJob, l.opts.NumWorkers)
	results := make(chan decodeResult, l.opts.NumWorkers)
	out := make(chan []Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(jobs)
		for pos, idx := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- decodeJob{pos: pos, ref: l.refs[idx]}:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < l.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.decodeWorker(ctx, jobs, results, errCh)
		}()
	}

	// errCh closes here, once every worker that may write it has exited
	go func() {
		wg.Wait()
		close(results)
		close(errCh)
	}()

	go func() {
		defer cancel()
		defer close(out)
		l.assembleBatches(ctx, results, out)
	}()

	return out, errCh
}

func (l *Loader) decodeWorker(ctx context.Context, jobs <-chan decodeJob, results chan<- decodeResult, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			sample, err := l.decode(job.ref)
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case results <- decodeResult{pos: job.pos, sample: sample}:
			}
		}
	}
}

func (l *Loader) decode(ref Ref) (Sample, error) {
	if cached, ok := l.cache.Get(ref.ImagePath); ok {
		return cached.(Sample), nil
	}
	sample, err := DecodeSample(ref)
	if err != nil {
		return Sample{}, err
	}
	l.cache.Add(ref.ImagePath, sample)
	return sample, nil
}

// assembleBatches restores submission order and groups samples into batches.
func (l *Loader) assembleBatches(ctx context.Context, results <-chan decodeResult, out chan<- []Sample) {
	pending := make(map[int]Sample)
	next := 0
	batch := make([]Sample, 0, l.opts.BatchSize)

	flush := func() bool {
		select {
		case <-ctx.Done():
			return false
		case out <- batch:
			batch = make([]Sample, 0, l.opts.BatchSize)
			return true
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				if len(batch) > 0 {
					flush()
				}
				return
			}
			pending[res.pos] = res.sample
			for {
				sample, ready := pending[next]
				if !ready {
					break
				}
				delete(pending, next)
				next++
				batch = append(batch, sample)
				if len(batch) == l.opts.BatchSize {
					if !flush() {
						return
					}
				}
			}
		}
	}
}
