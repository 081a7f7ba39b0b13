// Package snapshot dumps the knowledge base to YAML for post-mortem
// inspection. Snapshots are written, never loaded.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"metacontrol/internal/domain"
	"metacontrol/internal/repo"
)

const Version = 1

// Document is the snapshot file layout.
type Document struct {
	Version         int                        `yaml:"version"`
	TakenAt         string                     `yaml:"taken_at"`
	Functions       []domain.Function          `yaml:"functions"`
	QATypes         []domain.QAType            `yaml:"qa_types"`
	Components      []domain.Component         `yaml:"components"`
	FunctionDesigns []domain.FunctionDesign    `yaml:"function_designs"`
	Objectives      []domain.Objective         `yaml:"objectives"`
	Groundings      []domain.FunctionGrounding `yaml:"function_groundings"`
}

// Take reads every entity in one transaction.
func Take(ctx context.Context, r repo.Repo, now time.Time) (Document, error) {
	doc := Document{Version: Version, TakenAt: now.UTC().Format(time.RFC3339)}
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if doc.Functions, err = r.ListFunctions(ctx, tx); err != nil {
			return err
		}
		if doc.QATypes, err = r.ListQATypes(ctx, tx); err != nil {
			return err
		}
		if doc.Components, err = r.ListComponents(ctx, tx); err != nil {
			return err
		}
		if doc.FunctionDesigns, err = r.ListFunctionDesigns(ctx, tx); err != nil {
			return err
		}
		if doc.Objectives, err = r.ListObjectives(ctx, tx); err != nil {
			return err
		}
		doc.Groundings, err = r.ListGroundings(ctx, tx)
		return err
	})
	return doc, err
}

// Write takes a snapshot and replaces path with it.
func Write(ctx context.Context, r repo.Repo, path string) error {
	doc, err := Take(ctx, r, time.Now())
	if err != nil {
		return fmt.Errorf("read knowledge base: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// OnShutdown writes a snapshot within timeout. lock, when set, serializes the
// read with in-flight reasoner work.
func OnShutdown(r repo.Repo, path string, timeout time.Duration, lock func(context.Context, func(context.Context) error) error, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	write := func(ctx context.Context) error { return Write(ctx, r, path) }
	var err error
	if lock != nil {
		err = lock(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		logger.Error("shutdown snapshot failed", zap.String("path", path), zap.Duration("timeout", timeout), zap.Error(err))
		return err
	}
	logger.Info("shutdown snapshot written", zap.String("path", path))
	return nil
}
