package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/checkpoint"
	"github.com/hyperjump/medvision/internal/cli"
	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/internal/export"
	"github.com/hyperjump/medvision/internal/keyword"
	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/internal/pipeline"
	"github.com/hyperjump/medvision/internal/report"
)

func runAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	output := fs.String("output", "text", "output format: text or json")
	withReport := fs.Bool("report", false, "generate a report")
	save := fs.Bool("save", false, "store the result as a session")
	patientName := fs.String("patient-name", "", "patient name")
	patientAge := fs.String("patient-age", "", "patient age")
	patientGender := fs.String("patient-gender", "", "patient gender")
	examType := fs.String("exam-type", "", "exam type")
	language := fs.String("language", "English", "report language")
	template := fs.String("template", "", "prompt template name")
	clinical := fs.String("context", "", "clinical context")
	referralPath := fs.String("referral", "", "referral document to include")
	_ = fs.Parse(cli.ReorderArgs(args))

	paths := fs.Args()
	if len(paths) == 0 {
		return errors.New("usage: medvision analyze [flags] <image>...")
	}
	cfg, logger, c, err := setup(*configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer c.Close()

	inputs := make([]*models.ImageInput, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		inputs = append(inputs, &models.ImageInput{Name: filepath.Base(p), Data: data})
	}

	ctx := context.Background()
	result, err := c.Batch.ProcessImages(ctx, inputs)
	if err != nil {
		if result == nil {
			return err
		}
		logger.Warn("Vision processing failed", zap.Error(err))
	}
	out := &cli.AnalysisOutput{VisionContext: result.Context, Images: result.Results}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:              uuid.NewString(),
		Patient:         models.PatientInfo{Name: *patientName, Age: *patientAge, Gender: *patientGender},
		ExamType:        *examType,
		Language:        *language,
		PromptTemplate:  *template,
		ClinicalContext: *clinical,
		VisionContext:   result.Context,
		Results:         result.Results,
		Status:          models.SessionVisionOnly,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if !c.Prompts.Has(sess.PromptTemplate) {
		sess.PromptTemplate = cfg.Report.DefaultTemplate
	}

	if *withReport {
		var referral string
		if *referralPath != "" {
			if referral, err = c.Extractor.Extract(*referralPath); err != nil {
				return fmt.Errorf("failed to read referral: %w", err)
			}
		}
		text, genErr := generateReport(ctx, c.Reports, sess, referral)
		if genErr != nil {
			sess.Status = models.SessionReportFailed
			sess.Error = genErr.Error()
			out.ReportError = genErr.Error()
		} else {
			sess.Status = models.SessionCompleted
			sess.Report = text
			out.Report = text
		}
	}

	if *save {
		for i, in := range inputs {
			stored, err := c.Images.Save(sess.ID, i+1, in.Name, "", in.Data)
			if err != nil {
				return err
			}
			sess.ImagePaths = append(sess.ImagePaths, stored)
		}
		if err := c.Storage.CreateSession(ctx, sess); err != nil {
			return err
		}
		if err := c.Index.Index(ctx, sess); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: session not indexed: %v\n", err)
		}
		out.SessionID = sess.ID
	}
	return cli.WriteAnalysis(os.Stdout, out, cli.ParseOutputFormat(*output))
}

func generateReport(ctx context.Context, gen report.Generator, sess *models.Session, referral string) (string, error) {
	if gen == nil {
		return "", report.ErrMissingAPIKey
	}
	return gen.Generate(ctx, &report.Request{
		Patient:         sess.Patient,
		ExamType:        sess.ExamType,
		Language:        sess.Language,
		Template:        sess.PromptTemplate,
		ClinicalContext: sess.ClinicalContext,
		Referral:        referral,
		VisionContext:   sess.VisionContext,
	})
}

func runSessions(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: medvision sessions <list|show|delete|search|export> [flags]")
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("sessions "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	output := fs.String("output", "text", "output format: text or json")
	limit := fs.Int("limit", 50, "maximum number of sessions")
	offset := fs.Int("offset", 0, "sessions to skip")
	fuzzy := fs.Bool("fuzzy", false, "typo-tolerant search")
	outPath := fs.String("out", "sessions.xlsx", "export file path")
	_ = fs.Parse(cli.ReorderArgs(rest))
	format := cli.ParseOutputFormat(*output)

	switch sub {
	case "list", "show", "delete", "search", "export":
	default:
		return fmt.Errorf("unknown sessions command %q", sub)
	}
	if (sub == "show" || sub == "delete" || sub == "search") && fs.NArg() == 0 {
		return fmt.Errorf("usage: medvision sessions %s <arg>", sub)
	}

	_, logger, c, err := setup(*configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer c.Close()
	ctx := context.Background()

	switch sub {
	case "list":
		list, err := c.Storage.ListSessions(ctx, *offset, *limit)
		if err != nil {
			return err
		}
		total, err := c.Storage.CountSessions(ctx)
		if err != nil {
			return err
		}
		return cli.WriteSessions(os.Stdout, list, total, format)
	case "show":
		sess, err := c.Storage.GetSession(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return cli.WriteSession(os.Stdout, sess, format)
	case "delete":
		id := fs.Arg(0)
		if err := c.Storage.DeleteSession(ctx, id); err != nil {
			return err
		}
		if err := c.Images.Remove(id); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		if err := c.Index.Delete(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		fmt.Printf("Deleted session %s\n", id)
		return nil
	case "search":
		query := strings.Join(fs.Args(), " ")
		var opts *keyword.SearchOptions
		if *fuzzy {
			opts = &keyword.SearchOptions{Fuzzy: true}
		}
		hits, err := c.Index.Search(ctx, query, *limit, opts)
		if err != nil {
			return err
		}
		list := make([]*models.SessionSummary, 0, len(hits))
		for _, h := range hits {
			sess, err := c.Storage.GetSession(ctx, h.ID)
			if err != nil {
				continue
			}
			list = append(list, &models.SessionSummary{
				ID: sess.ID, Patient: sess.Patient, ExamType: sess.ExamType,
				Status: sess.Status, ImageCount: len(sess.ImagePaths), CreatedAt: sess.CreatedAt,
			})
		}
		if err := cli.WriteSessions(os.Stdout, list, int64(len(list)), format); err != nil {
			return err
		}
		if s, err := c.Index.Suggest(query); err == nil && s != "" && format == cli.OutputText {
			fmt.Printf("\nDid you mean: %s\n", s)
		}
		return nil
	default: // export
		sessions, err := c.Storage.AllSessions(ctx)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := export.WriteSessionsXLSX(&buf, sessions); err != nil {
			return err
		}
		if err := os.WriteFile(*outPath, buf.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Printf("Exported %d sessions to %s\n", len(sessions), *outPath)
		return nil
	}
}

func runCheckpoint(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: medvision checkpoint <inspect|synth> [flags] <path>")
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("checkpoint "+sub, flag.ExitOnError)
	output := fs.String("output", "text", "output format: text or json")
	backbone := fs.String("backbone", config.DefaultBackbone, "backbone recipe for default geometry")
	imageSize := fs.Int("image-size", 0, "image size (default from backbone)")
	patchSize := fs.Int("patch-size", 0, "patch size (default from backbone)")
	hidden := fs.Int("vision-hidden", 0, "vision hidden size (default from backbone)")
	llmHidden := fs.Int("llm-hidden", 0, "language model hidden size (default 4096)")
	seed := fs.Int64("seed", 1, "random seed for synth")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(cli.ReorderArgs(rest))
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: medvision checkpoint %s [flags] <path>", sub)
	}
	path := fs.Arg(0)

	vc := config.VisionConfig{
		Backbone:         *backbone,
		ImageSize:        *imageSize,
		PatchSize:        *patchSize,
		VisionHiddenSize: *hidden,
		LLMHiddenSize:    *llmHidden,
	}
	full := config.Config{Vision: vc}
	config.ApplyDefaults(&full)
	if err := config.Validate(&full); err != nil {
		return err
	}
	geom := pipeline.Geometry{
		ImageSize: full.Vision.ImageSize,
		PatchSize: full.Vision.PatchSize,
		Hidden:    full.Vision.VisionHiddenSize,
		LLMHidden: full.Vision.LLMHiddenSize,
	}

	switch sub {
	case "inspect":
		summary, err := inspectCheckpoint(path, geom)
		if err != nil {
			return err
		}
		return cli.WriteCheckpoint(os.Stdout, summary, cli.ParseOutputFormat(*output))
	case "synth":
		if _, err := os.Stat(path); err == nil && !*force {
			return fmt.Errorf("%s exists; use --force to overwrite", path)
		}
		if err := pipeline.WriteSyntheticCheckpoint(path, geom, *seed); err != nil {
			return err
		}
		fmt.Printf("Wrote synthetic checkpoint %s (image %d, patch %d, hidden %d -> %d)\n",
			path, geom.ImageSize, geom.PatchSize, geom.Hidden, geom.LLMHidden)
		return nil
	default:
		return fmt.Errorf("unknown checkpoint command %q", sub)
	}
}

// inspectCheckpoint lists the tensors in path and the native-backend tensors
// it lacks for geom.
func inspectCheckpoint(path string, geom pipeline.Geometry) (*cli.CheckpointSummary, error) {
	f, err := checkpoint.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	summary := &cli.CheckpointSummary{Path: path, Tensors: f.Infos(), Metadata: f.Metadata()}
	for name := range geom.ExpectedShapes(true) {
		if _, ok := f.Shape(name); !ok {
			summary.Missing = append(summary.Missing, name)
		}
	}
	sort.Strings(summary.Missing)
	return summary, nil
}
