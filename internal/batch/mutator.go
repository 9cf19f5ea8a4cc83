package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultChunkSize bounds how many ids reach the store in one call.
	DefaultChunkSize = 100
	// DefaultChunkDelay smooths load between consecutive chunks.
	DefaultChunkDelay = 100 * time.Millisecond
)

// Operation applies one mutation to a slice of target ids.
type Operation func(ctx context.Context, ids []string) error

// Progress is reported after every processed chunk.
type Progress struct {
	Current        int `json:"current"`
	Total          int `json:"total"`
	ProcessedItems int `json:"processedItems"`
	TotalItems     int `json:"totalItems"`
}

type ChunkError struct {
	ChunkIndex int    `json:"chunkIndex"`
	Message    string `json:"message"`
}

// Result classifies the run: full success, partial success (Success stays
// true with TotalErrors attached) or full failure.
type Result struct {
	Success        bool         `json:"success"`
	Message        string       `json:"message"`
	TotalProcessed int          `json:"totalProcessed"`
	TotalErrors    int          `json:"totalErrors"`
	Errors         []ChunkError `json:"errors,omitempty"`
}

type Options struct {
	ChunkSize  int
	Delay      time.Duration
	OnProgress func(Progress)
}

type Mutator struct {
	log *slog.Logger
}

func NewMutator(log *slog.Logger) *Mutator {
	return &Mutator{log: log}
}

// Mutate applies op over ids in ordered sequential chunks. Each chunk's
// failure is recorded independently and never aborts the remaining chunks.
// Once started the run goes to completion; there is no mid-run cancel.
func (m *Mutator) Mutate(ctx context.Context, ids []string, op Operation, opts Options) Result {
	if len(ids) == 0 {
		return Result{Success: false, Message: "nenhum item selecionado"}
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultChunkDelay
	}

	// Small sets skip the chunking machinery entirely.
	if len(ids) <= chunkSize {
		if err := op(ctx, ids); err != nil {
			m.log.Error("batch direct operation failed", "items", len(ids), "error", err)
			return Result{
				Success:     false,
				Message:     "operação falhou",
				TotalErrors: 1,
				Errors:      []ChunkError{{ChunkIndex: 0, Message: err.Error()}},
			}
		}
		return Result{
			Success:        true,
			Message:        fmt.Sprintf("%d itens processados com sucesso", len(ids)),
			TotalProcessed: len(ids),
		}
	}

	chunks := chunkIDs(ids, chunkSize)
	m.log.Info("batch mutation started", "items", len(ids), "chunks", len(chunks), "chunkSize", chunkSize)

	processed := 0
	var errs []ChunkError

	for i, chunk := range chunks {
		if err := op(ctx, chunk); err != nil {
			m.log.Warn("batch chunk failed", "chunk", i+1, "items", len(chunk), "error", err)
			errs = append(errs, ChunkError{ChunkIndex: i + 1, Message: err.Error()})
		} else {
			processed += len(chunk)
		}

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				Current:        i + 1,
				Total:          len(chunks),
				ProcessedItems: processed,
				TotalItems:     len(ids),
			})
		}

		if i < len(chunks)-1 {
			time.Sleep(delay)
		}
	}

	switch {
	case len(errs) == 0:
		return Result{
			Success:        true,
			Message:        fmt.Sprintf("%d itens processados com sucesso", processed),
			TotalProcessed: processed,
		}
	case processed > 0:
		return Result{
			Success:        true,
			Message:        fmt.Sprintf("%d de %d itens processados, %d lote(s) falharam", processed, len(ids), len(errs)),
			TotalProcessed: processed,
			TotalErrors:    len(errs),
			Errors:         errs,
		}
	default:
		return Result{
			Success:     false,
			Message:     fmt.Sprintf("todos os %d lotes falharam", len(chunks)),
			TotalErrors: len(errs),
			Errors:      errs,
		}
	}
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}
