package omr

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// Conflict records a part whose answers changed when another page of the same student
// was merged over it. Disagreed means a shared item changed letter; Dropped counts the
// answers of Previous that the merge left blank.
type Conflict struct {
	StudentNumber string `json:"student_number"`
	Part          int    `json:"part"`
	Previous      string `json:"previous"`
	Current       string `json:"current"`
	Disagreed     bool   `json:"disagreed"`
	Dropped       int    `json:"dropped"`
}

// Event is emitted once per input image, in input order. Result is shared with the
// batch summary and must not be modified.
type Event struct {
	Processed int
	Total     int
	Source    string
	Page      *PageResult
	Err       error
	Conflicts []Conflict
	Result    BatchResult
}

// Done reports whether this is the event of the last image.
func (e Event) Done() bool {
	return e.Processed == e.Total
}

// Failure is an image that contributed nothing to the batch.
type Failure struct {
	Source string
	Err    error
}

// Stats summarizes the page marker confidences of the successfully read images.
type Stats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
}

// Summary is the terminal state of a batch.
type Summary struct {
	BatchID          uuid.UUID
	Result           BatchResult
	Processed        []string
	Failures         []Failure
	MarkerConfidence Stats
}

// Aggregator folds page results into a BatchResult, one page at a time.
type Aggregator struct {
	policy  MergePolicy
	result  BatchResult
	sources map[string]map[int]string
}

func NewAggregator(policy MergePolicy) *Aggregator {
	return &Aggregator{
		policy:  policy,
		result:  make(BatchResult),
		sources: make(map[string]map[int]string),
	}
}

// Add merges the page into the record of its student number.
func (a *Aggregator) Add(page *PageResult) []Conflict {
	record, ok := a.result[page.StudentNumber]
	if !ok {
		record = make(StudentRecord)
		a.result[page.StudentNumber] = record
		a.sources[page.StudentNumber] = make(map[int]string)
	}
	owners := a.sources[page.StudentNumber]

	var conflicts []Conflict
	for _, o := range record.Merge(page.Parts, a.policy) {
		conflicts = append(conflicts, Conflict{
			StudentNumber: page.StudentNumber,
			Part:          o.Part,
			Previous:      owners[o.Part],
			Current:       page.Source,
			Disagreed:     o.Disagreed,
			Dropped:       o.Dropped,
		})
	}
	for part := range page.Parts {
		owners[part] = page.Source
	}
	return conflicts
}

// Snapshot returns a deep copy of the current result.
func (a *Aggregator) Snapshot() BatchResult {
	return a.result.Clone()
}

// ProgressSink receives every event of a batch.
type ProgressSink interface {
	Progress(Event)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(Event)

func (f SinkFunc) Progress(e Event) { f(e) }

// Batch is an ordered set of images processed together. Each call to Events is an
// independent pass; Summary reports the latest event published by any of them.
type Batch struct {
	p       *Processor
	sources []Source

	mu      sync.Mutex
	summary Summary
}

// NewBatch prepares a batch. Nothing runs until Events is ranged over.
func (p *Processor) NewBatch(sources []Source) *Batch {
	return &Batch{p: p, sources: append([]Source(nil), sources...)}
}

type outcome struct {
	page *PageResult
	err  error
}

// Events processes the images lazily and yields one event per image. Every call starts
// the batch over. Stopping the range loop, or cancelling ctx, abandons remaining images;
// Events returns only once no image of the pass is still being processed.
func (b *Batch) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		ctx, cancel := context.WithCancel(ctx)
		w := b.p.dispatch(ctx, b.sources)
		defer func() {
			cancel()
			w.wait()
		}()

		agg := NewAggregator(b.p.policy)
		sum := Summary{BatchID: uuid.New(), Result: make(BatchResult)}
		b.publish(sum)
		var confidences []float64

		for i, ch := range w.results {
			var out outcome
			select {
			case out = <-ch:
			case <-ctx.Done():
				return
			}

			src := b.sources[i].name()
			ev := Event{Processed: i + 1, Total: len(b.sources), Source: src, Page: out.page, Err: out.err}
			if out.err != nil {
				b.p.logger.Warn().Err(out.err).Str("source", src).Msg("skipping image")
				sum.Failures = append(sum.Failures, Failure{Source: src, Err: out.err})
			} else {
				ev.Conflicts = agg.Add(out.page)
				confidences = append(confidences, out.page.MarkerConfidence)
				for _, c := range ev.Conflicts {
					b.p.logger.Warn().Str("student", c.StudentNumber).Int("part", c.Part).
						Str("previous", c.Previous).Str("current", c.Current).
						Bool("disagreed", c.Disagreed).Int("dropped", c.Dropped).
						Msg("part overwritten by a later page")
				}
			}
			sum.Processed = append(sum.Processed, src)
			sum.Result = agg.Snapshot()
			sum.MarkerConfidence = summarize(confidences)
			ev.Result = sum.Result
			b.publish(sum)

			if !yield(ev) {
				return
			}
			w.release()
		}
	}
}

func (b *Batch) publish(s Summary) {
	b.mu.Lock()
	b.summary = s
	b.mu.Unlock()
}

// Summary returns the state after the last event produced by Events.
func (b *Batch) Summary() *Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.summary
	return &s
}

// workers is one pass of background processing. A slot is taken per started image and
// given back only once its event has been consumed, so at most p.workers images run
// ahead of the consumer.
type workers struct {
	results []chan outcome
	slots   chan struct{}
	wg      sync.WaitGroup
}

func (w *workers) release() { <-w.slots }

// wait blocks until the dispatcher and every started image have returned.
func (w *workers) wait() { w.wg.Wait() }

// dispatch starts processing in the background and returns one result channel per source.
func (p *Processor) dispatch(ctx context.Context, sources []Source) *workers {
	w := &workers{
		results: make([]chan outcome, len(sources)),
		slots:   make(chan struct{}, p.workers),
	}
	for i := range w.results {
		w.results[i] = make(chan outcome, 1)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for i, src := range sources {
			select {
			case w.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				page, err := p.Process(src)
				w.results[i] <- outcome{page: page, err: err}
			}()
		}
	}()
	return w
}

// Run drives a batch to completion, handing every event to sink.
func (p *Processor) Run(ctx context.Context, sources []Source, sink ProgressSink) (*Summary, error) {
	b := p.NewBatch(sources)
	n := 0
	for ev := range b.Events(ctx) {
		n++
		if sink != nil {
			sink.Progress(ev)
		}
	}
	if n < len(sources) {
		if err := ctx.Err(); err != nil {
			return b.Summary(), err
		}
		return b.Summary(), errors.New("batch stopped early")
	}
	return b.Summary(), nil
}

func summarize(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	s := Stats{
		Count:  len(sorted),
		Min:    sorted[0],
		Mean:   stat.Mean(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
	}
	if len(sorted) > 1 {
		s.StdDev = stat.StdDev(sorted, nil)
	}
	return s
}
