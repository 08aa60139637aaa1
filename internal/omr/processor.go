package omr

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// PageResult is what one successfully read image contributes to a batch.
type PageResult struct {
	Source           string        `json:"source"`
	Side             PageSide      `json:"side"`
	StudentNumber    string        `json:"student_number"`
	Parts            StudentRecord `json:"parts"`
	Corners          Quadrilateral `json:"corners"`
	Marker           image.Point   `json:"marker"`
	MarkerConfidence float64       `json:"marker_confidence"`
	OtsuLevel        float32       `json:"otsu_level"`
}

// Processor runs the per-image pipeline: corners, rectification, classification and the
// grid readers. It holds no per-image state and is safe for concurrent use. Close
// waits for images being processed and makes later calls fail with ErrProcessorClosed.
type Processor struct {
	cal         Calibration
	classifier  *Classifier
	template    *gocv.Mat
	sampler     Sampler
	logger      zerolog.Logger
	workers     int
	policy      MergePolicy
	analysisDir string

	mu     sync.RWMutex
	closed bool
}

// Option configures a Processor.
type Option func(*Processor) error

// WithLogger sets the logger used for per-stage diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) error {
		p.logger = logger
		return nil
	}
}

// WithWorkers processes up to n images at once. Results are still folded in input order.
func WithWorkers(n int) Option {
	return func(p *Processor) error {
		if n < 1 {
			return fmt.Errorf("workers must be at least 1, got %d", n)
		}
		p.workers = n
		return nil
	}
}

// WithMergePolicy sets how pages of the same student combine.
func WithMergePolicy(policy MergePolicy) Option {
	return func(p *Processor) error {
		p.policy = policy
		return nil
	}
}

// WithMarkerTemplate uses an in-memory template instead of Calibration.MarkerTemplate.
// The processor takes ownership of tmpl, even if NewProcessor fails.
func WithMarkerTemplate(tmpl gocv.Mat) Option {
	return func(p *Processor) error {
		if p.template != nil {
			p.template.Close()
		}
		p.template = &tmpl
		return nil
	}
}

// WithAnalysisDir writes an annotated copy of every rectified page into dir.
func WithAnalysisDir(dir string) Option {
	return func(p *Processor) error {
		p.analysisDir = dir
		return nil
	}
}

// NewProcessor validates the calibration, copies it and loads the marker template.
func NewProcessor(cal Calibration, opts ...Option) (*Processor, error) {
	p := &Processor{
		cal:     cal.clone(),
		sampler: NewSampler(cal),
		logger:  zerolog.Nop(),
		workers: 1,
	}
	if err := p.init(opts); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Processor) init(opts []Option) error {
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return err
		}
	}
	if err := p.cal.Validate(); err != nil {
		return fmt.Errorf("invalid calibration: %w", err)
	}

	var (
		c   *Classifier
		err error
	)
	if p.template != nil {
		tmpl := *p.template
		p.template = nil
		c, err = NewClassifier(tmpl, p.cal.PageSize)
	} else {
		c, err = LoadClassifier(p.cal.MarkerTemplate, p.cal.PageSize)
	}
	if err != nil {
		return err
	}
	p.classifier = c
	return nil
}

// Calibration returns a copy of the processor's calibration.
func (p *Processor) Calibration() Calibration {
	return p.cal.clone()
}

// Close releases the marker template once no image is being processed. It is safe to
// call more than once.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.template != nil {
		p.template.Close()
		p.template = nil
	}
	if p.classifier == nil {
		return nil
	}
	return p.classifier.Close()
}

// Process reads one image. Failures come back as *RecognitionError.
func (p *Processor) Process(src Source) (result *PageResult, err error) {
	start := time.Now()
	log := p.logger.With().Str("source", src.name()).Logger()

	p.mu.RLock()
	defer p.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, newUnexpectedError(r)
		}
		var rerr *RecognitionError
		if errors.As(err, &rerr) && rerr.Source == "" {
			rerr.Source = src.name()
		}
	}()

	if p.closed {
		return nil, newProcessorClosedError()
	}

	raw, err := DecodeImage(src)
	if err != nil {
		return nil, err
	}
	defer raw.Close()
	log.Debug().Int("width", raw.Size().X).Int("height", raw.Size().Y).Msg("decoded image")

	geo, err := DetectCorners(raw, p.cal)
	if err != nil {
		return nil, err
	}
	defer geo.Close()
	log.Debug().Stringer("corners", geo.Corners).Int("vertices", geo.Vertices).
		Float32("otsu", geo.OtsuLevel).Msg("detected corners")

	page, err := Rectify(geo, p.cal)
	if err != nil {
		return nil, err
	}
	defer page.Close()
	if p.analysisDir != "" {
		page.RecordSamples()
	}

	cls := p.classifier.Classify(page)
	log.Debug().Stringer("side", cls.Side).Stringer("marker", cls.Marker.Min).
		Float64("confidence", cls.Confidence).Msg("classified page")
	if p.cal.MinMarkerConfidence > 0 && cls.Confidence < p.cal.MinMarkerConfidence {
		return nil, newLowConfidenceError(cls.Confidence, p.cal.MinMarkerConfidence)
	}

	layout := p.cal.Layout(cls.Side)
	number := ReadStudentNumber(p.sampler, page, layout.StudentNumber, p.cal.StudentNumber, p.cal.StrictDigits)
	parts := ReadAnswers(p.sampler, page, layout, p.cal.Choices, p.cal.ChoicePitch)

	if p.analysisDir != "" {
		if err := writeAnalysis(p.analysisDir, src, raw, geo.Corners, page, cls); err != nil {
			log.Warn().Err(err).Msg("write analysis image")
		}
	}

	if !ValidStudentNumber(number, p.cal.StudentNumber) {
		return nil, newIncompleteStudentNumberError(number)
	}

	log.Debug().Str("student", number).Int("parts", len(parts)).
		Dur("elapsed", time.Since(start)).Msg("read page")

	return &PageResult{
		Source:           src.name(),
		Side:             cls.Side,
		StudentNumber:    number,
		Parts:            parts,
		Corners:          geo.Corners,
		Marker:           cls.Marker.Min,
		MarkerConfidence: cls.Confidence,
		OtsuLevel:        geo.OtsuLevel,
	}, nil
}
