package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doublewordai/batchctl/internal/telemetry"
	"github.com/doublewordai/batchctl/pkg/catalog"
	"github.com/doublewordai/batchctl/pkg/filestore"
	"github.com/doublewordai/batchctl/pkg/request"
	"github.com/doublewordai/batchctl/pkg/reservation"
)

// bodyModel extracts the "model" field from a request template's JSON body,
// the way an OpenAI-compatible batch line names which deployment it targets.
func bodyModel(body []byte) (string, error) {
	var parsed struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decoding request body: %w", err)
	}
	if parsed.Model == "" {
		return "", fmt.Errorf("request body missing model field")
	}
	return parsed.Model, nil
}

// Service implements batch admission: validating the request, resolving
// model aliases, reserving capacity, and committing the batch.
type Service struct {
	pool                     *pgxpool.Pool
	catalog                  *catalog.Cache
	reservations             *reservation.Service
	requests                 *request.Store
	allowedCompletionWindows map[string]bool
	allowedURLPaths          map[string]bool
	defaultThroughput        float64
	relaxationFactors        map[string]float64
	logger                   *slog.Logger
}

// NewService creates an admission Service.
func NewService(
	pool *pgxpool.Pool,
	catalogCache *catalog.Cache,
	reservations *reservation.Service,
	allowedCompletionWindows, allowedURLPaths []string,
	defaultThroughput float64,
	relaxationFactors map[string]float64,
	logger *slog.Logger,
) *Service {
	windows := make(map[string]bool, len(allowedCompletionWindows))
	for _, w := range allowedCompletionWindows {
		windows[w] = true
	}
	paths := make(map[string]bool, len(allowedURLPaths))
	for _, p := range allowedURLPaths {
		paths[p] = true
	}
	return &Service{
		pool:                     pool,
		catalog:                  catalogCache,
		reservations:             reservations,
		requests:                 request.NewStore(pool),
		allowedCompletionWindows: windows,
		allowedURLPaths:          paths,
		defaultThroughput:        defaultThroughput,
		relaxationFactors:        relaxationFactors,
		logger:                   logger,
	}
}

// GetBatchWithStatus returns a batch along with the outstanding request
// count its status derivation needs.
func (s *Service) GetBatchWithStatus(ctx context.Context, id uuid.UUID) (filestore.Batch, int64, error) {
	batch, err := filestore.GetBatch(ctx, s.pool, id)
	if err != nil {
		return filestore.Batch{}, 0, err
	}
	pending, err := s.requests.CountPendingAndInProgress(ctx, id)
	if err != nil {
		return filestore.Batch{}, 0, err
	}
	return batch, pending, nil
}

// CreateBatch validates req, resolves the models referenced by the input
// file's templates, reserves capacity for them, and commits the batch. On
// any failure after capacity is reserved, the reservation is released before
// returning.
func (s *Service) CreateBatch(ctx context.Context, req CreateBatchRequest, createdBy, requestSource string) (filestore.Batch, error) {
	if !s.allowedCompletionWindows[req.CompletionWindow] {
		telemetry.BatchesRejectedTotal.WithLabelValues("unsupported_completion_window").Inc()
		return filestore.Batch{}, fmt.Errorf("%w: %s", ErrUnsupportedCompletionWindow, req.CompletionWindow)
	}
	if !s.allowedURLPaths[req.Endpoint] {
		telemetry.BatchesRejectedTotal.WithLabelValues("unsupported_endpoint").Inc()
		return filestore.Batch{}, fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, req.Endpoint)
	}

	fileStore := filestore.NewStore(s.pool)
	inputFile, err := fileStore.Get(ctx, req.InputFileID)
	if err != nil {
		return filestore.Batch{}, fmt.Errorf("looking up input file %s: %w", req.InputFileID, err)
	}
	if inputFile.Purpose != filestore.PurposeBatchInput {
		return filestore.Batch{}, fmt.Errorf("file %s is not a batch input file", req.InputFileID)
	}

	count, err := fileStore.CountTemplates(ctx, req.InputFileID)
	if err != nil {
		return filestore.Batch{}, err
	}
	templates, err := fileStore.ListTemplates(ctx, req.InputFileID, int(count), 0)
	if err != nil {
		return filestore.Batch{}, err
	}

	aliasCounts := make(map[string]int64)
	aliasDeployments := make(map[string]catalog.Deployment)
	batchTemplates := make([]filestore.BatchTemplate, 0, len(templates))

	for _, t := range templates {
		alias, err := bodyModel(t.Body)
		if err != nil {
			return filestore.Batch{}, fmt.Errorf("line %d: %w", t.LineNumber, err)
		}
		model, ok := aliasDeployments[alias]
		if !ok {
			model, err = s.catalog.GetByAlias(ctx, alias)
			if err != nil {
				telemetry.BatchesRejectedTotal.WithLabelValues("unknown_model").Inc()
				return filestore.Batch{}, fmt.Errorf("resolving model alias %q: %w", alias, catalog.ErrUnknownAlias{Alias: alias})
			}
			aliasDeployments[alias] = model
		}
		aliasCounts[alias]++
		batchTemplates = append(batchTemplates, filestore.BatchTemplate{
			TemplateID: t.ID,
			ModelID:    model.ID,
			ModelAlias: alias,
			CustomID:   t.CustomID,
			Method:     t.Method,
			URL:        model.BaseURL + t.URL,
			Body:       t.Body,
			APIKey:     model.APIKey,
		})
	}

	relaxation, ok := s.relaxationFactors[req.CompletionWindow]
	if !ok {
		relaxation = 1.0
	}

	demand := make([]reservation.ModelDemand, 0, len(aliasCounts))
	for alias, count := range aliasCounts {
		model := aliasDeployments[alias]
		demand = append(demand, reservation.ModelDemand{
			Alias:      alias,
			ModelID:    model.ID,
			Count:      count,
			Throughput: model.EffectiveThroughput(s.defaultThroughput),
		})
	}

	reservationIDs, err := s.reservations.ReserveCapacityForBatch(ctx, req.CompletionWindow, demand, relaxation)
	if err != nil {
		var insufficient *reservation.InsufficientCapacity
		if errors.As(err, &insufficient) {
			telemetry.BatchesRejectedTotal.WithLabelValues("insufficient_capacity").Inc()
		}
		return filestore.Batch{}, err
	}

	batch, err := filestore.CreateBatch(ctx, s.pool, filestore.CreateBatchParams{
		InputFileID:      req.InputFileID,
		Endpoint:         req.Endpoint,
		CompletionWindow: req.CompletionWindow,
		Metadata:         req.Metadata,
		CreatedBy:        createdBy,
		RequestSource:    requestSource,
		Templates:        batchTemplates,
	})
	s.reservations.ReleaseReservations(ctx, reservationIDs)
	if err != nil {
		return filestore.Batch{}, err
	}

	telemetry.BatchesCreatedTotal.WithLabelValues(req.Endpoint).Inc()
	s.logger.Info("batch created", "batch_id", batch.ID, "request_count", len(batchTemplates), "endpoint", req.Endpoint)
	return batch, nil
}

// CancelBatch cancels a batch and its non-terminal requests.
func (s *Service) CancelBatch(ctx context.Context, id uuid.UUID) error {
	return filestore.CancelBatch(ctx, s.pool, id, time.Now())
}
