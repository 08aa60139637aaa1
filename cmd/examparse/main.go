package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/cabazares/automated-exam-parser/internal/config"
	"github.com/cabazares/automated-exam-parser/internal/logging"
	"github.com/cabazares/automated-exam-parser/internal/omr"
	"github.com/cabazares/automated-exam-parser/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; the real environment wins
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}

	var (
		verbose     bool
		jsonOutput  bool
		store       bool
		analysisDir string
	)
	flag.BoolVar(&verbose, "verbose", false, "Print debug information")
	flag.BoolVar(&jsonOutput, "json", false, "Write progress and the final result as JSON lines on stdout")
	flag.BoolVar(&store, "store", false, "Persist the result to DATABASE_URL")
	flag.StringVar(&analysisDir, "analysis-dir", "", "Write annotated rectified pages to this directory")
	flag.StringVar(&cfg.CalibrationPath, "calibration", cfg.CalibrationPath, "Calibration JSON file")
	flag.StringVar(&cfg.MarkerTemplate, "marker", cfg.MarkerTemplate, "Page marker template image")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Images processed in parallel")
	mergePolicy := flag.String("merge", cfg.MergePolicy.String(), "How pages of one student combine: parts or items")
	flag.Parse()

	if verbose {
		cfg.LogLevel = "debug"
	}
	logger, err := logging.Stderr(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}
	if cfg.MergePolicy, err = omr.ParseMergePolicy(*mergePolicy); err != nil {
		logger.Error().Err(err).Msg("parse flags")
		return 2
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 2
	}

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] image_files_or_dirs...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		return 1
	}
	inputFiles, err := expandInputs(files)
	if err != nil {
		logger.Error().Err(err).Msg("list inputs")
		return 2
	}

	cal, err := cfg.Calibration()
	if err != nil {
		logger.Error().Err(err).Msg("load calibration")
		return 2
	}

	opts := []omr.Option{
		omr.WithLogger(logger),
		omr.WithWorkers(cfg.Workers),
		omr.WithMergePolicy(cfg.MergePolicy),
	}
	if analysisDir != "" {
		opts = append(opts, omr.WithAnalysisDir(analysisDir))
	}
	proc, err := omr.NewProcessor(cal, opts...)
	if err != nil {
		logger.Error().Err(err).Msg("create processor")
		return 2
	}
	defer proc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sink omr.ProgressSink = progressPrinter{}
	events := newEventWriter(os.Stdout)
	if jsonOutput {
		sink = events
	}

	summary, err := proc.Run(ctx, omr.FileSources(inputFiles), sink)
	if err != nil {
		logger.Warn().Err(err).Int("processed", len(summary.Processed)).Int("total", len(inputFiles)).Msg("batch interrupted")
	}

	if jsonOutput {
		events.Result(summary)
	} else {
		printSummary(summary)
	}
	logSummary(logger, summary)

	if store {
		if err := persist(ctx, cfg, summary, logger); err != nil {
			logger.Error().Err(err).Msg("store result")
			return 3
		}
	}
	if err != nil {
		return 130
	}
	return 0
}

// progressPrinter writes one human readable line per image.
type progressPrinter struct{}

func (progressPrinter) Progress(ev omr.Event) {
	status := fmt.Sprintf("[%d/%d] ", ev.Processed, ev.Total)
	if ev.Err != nil {
		fmt.Fprintf(os.Stderr, "%sWARNING: Skipping '%s': %v\n", status, ev.Source, ev.Err)
		return
	}
	fmt.Printf("%sread %s as %s for %s (%d parts)\n", status, filepath.Base(ev.Source), ev.Page.Side, ev.Page.StudentNumber, len(ev.Page.Parts))
	for _, c := range ev.Conflicts {
		fmt.Printf("%s  %s\n", status, describeConflict(c))
	}
}

func describeConflict(c omr.Conflict) string {
	msg := fmt.Sprintf("part %d of %s overwritten (was from %s)", c.Part, c.StudentNumber, filepath.Base(c.Previous))
	switch {
	case c.Disagreed && c.Dropped > 0:
		return fmt.Sprintf("%s: answers changed, %d answers dropped", msg, c.Dropped)
	case c.Dropped > 0:
		return fmt.Sprintf("%s: %d answers dropped", msg, c.Dropped)
	default:
		return msg + ": answers changed"
	}
}

func printSummary(s *omr.Summary) {
	for _, number := range s.Result.StudentNumbers() {
		record := s.Result[number]
		fmt.Printf("%s:", number)
		for _, part := range record.Parts() {
			answered := 0
			for _, ans := range record[part] {
				if ans != omr.Blank {
					answered++
				}
			}
			fmt.Printf(" p%d=%d/%d", part, answered, len(record[part]))
		}
		fmt.Println()
	}
}

func logSummary(logger zerolog.Logger, s *omr.Summary) {
	logger.Info().
		Str("batch", s.BatchID.String()).
		Int("students", len(s.Result)).
		Int("processed", len(s.Processed)).
		Int("failed", len(s.Failures)).
		Float64("marker_confidence_mean", s.MarkerConfidence.Mean).
		Float64("marker_confidence_min", s.MarkerConfidence.Min).
		Msg("batch complete")
}

func persist(ctx context.Context, cfg *config.Config, s *omr.Summary, logger zerolog.Logger) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required with -store")
	}
	st, err := storage.NewStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	// Persist what was read even if the batch was interrupted
	ctx = context.WithoutCancel(ctx)
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	saved, err := st.SaveBatch(ctx, s)
	if err != nil {
		return err
	}
	logger.Info().Int("students_created", saved.StudentsCreated).Int("answers", saved.Answers).Msg("stored batch")
	return nil
}
