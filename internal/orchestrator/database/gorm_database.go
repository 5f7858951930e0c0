// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/rs/zerolog"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned by Get* lookups for a missing row
	ErrNotFound = errors.New("record not found")
	// ErrStaleState is returned when a state write lost a race: the row no longer holds the expected state
	ErrStaleState = errors.New("stale state")
	// ErrDuplicateSite is returned when more than one site registration exists
	ErrDuplicateSite = errors.New("more than one workflow site registered")
	// ErrAlreadyExists is returned when inserting an agent-assigned id that is already stored
	ErrAlreadyExists = errors.New("record already exists")
)

var (
	log     zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		log = logger.GetDatabaseLogger()
	})
	return &log
}

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// allModels lists every table in migration order
func allModels() []any {
	return []any{
		&models.WorkflowSite{},
		&models.WorkflowTemplate{},
		&models.Workflow{},
		&models.WorkflowStep{},
		&models.WorkflowDataflow{},
		&models.JobRequest{},
		&models.JobOffer{},
		&models.Job{},
	}
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// SQLite allows one writer; a single connection turns lock errors into queueing
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	getLog().Debug().Str("driver", cfg.Driver).Msg("Database connection opened")
	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(allModels()...)
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	var missingTables []string
	var missingColumns []string

	m := db.db.Migrator()
	for _, model := range allModels() {
		if !m.HasTable(model) {
			stmt := &gorm.Statement{DB: db.db}
			if err := stmt.Parse(model); err == nil {
				missingTables = append(missingTables, stmt.Schema.Table)
			} else {
				missingTables = append(missingTables, fmt.Sprintf("%T", model))
			}
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v\n\nRun 'caroni-migrate' to create the required tables", missingTables)
	}

	required := map[any][]string{
		&models.Workflow{}:         {"id", "template_id", "name", "state", "inputs", "outputs"},
		&models.WorkflowStep{}:     {"id", "workflow_id", "step_name", "job_type_name", "state", "attempts", "max_attempts", "current_job_id"},
		&models.WorkflowDataflow{}: {"id", "workflow_id", "src_step_id", "dst_step_id", "src_output_name", "dst_input_name", "value", "state", "delivered_job_id"},
		&models.JobRequest{}:       {"id", "step_id", "attempt", "state"},
		&models.JobOffer{}:         {"id", "request_id", "reply_to", "state"},
		&models.Job{}:              {"id", "offer_id", "step_id", "reply_to", "state"},
	}
	for model, cols := range required {
		for _, col := range cols {
			if !m.HasColumn(model, col) {
				missingColumns = append(missingColumns, fmt.Sprintf("%T.%s", model, col))
			}
		}
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v\n\nRun 'caroni-migrate' to add the required columns", missingColumns)
	}

	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction. The GormDB passed to fn is bound to
// the transaction; returning an error rolls everything back.
func (db *GormDB) Transaction(ctx context.Context, fn func(tx *GormDB) error) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormDB{db: tx})
	})
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// compareAndSwap writes fields only if the row still holds the expected state
func (db *GormDB) compareAndSwap(ctx context.Context, model any, id string, from any, fields map[string]any) error {
	result := db.db.WithContext(ctx).Model(model).
		Where("id = ? AND state = ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%T %s no longer in state %v: %w", model, id, from, ErrStaleState)
	}
	return nil
}

// EnsureSite returns the database's site registration, creating it on first start
func (db *GormDB) EnsureSite(ctx context.Context, name string) (*models.WorkflowSite, error) {
	var sites []models.WorkflowSite
	if err := db.db.WithContext(ctx).Order("created_at ASC").Limit(2).Find(&sites).Error; err != nil {
		return nil, err
	}

	switch len(sites) {
	case 0:
		site := &models.WorkflowSite{Name: name}
		if err := db.db.WithContext(ctx).Create(site).Error; err != nil {
			return nil, err
		}
		getLog().Info().Str("site_id", site.ID).Str("name", name).Msg("Registered workflow site")
		return site, nil
	case 1:
		return &sites[0], nil
	default:
		return nil, ErrDuplicateSite
	}
}

// CreateTemplate stores a new template. Names are unique.
func (db *GormDB) CreateTemplate(ctx context.Context, tmpl *models.WorkflowTemplate) error {
	return db.db.WithContext(ctx).Create(tmpl).Error
}

// FindTemplateByName returns nil, nil when no template has the name
func (db *GormDB) FindTemplateByName(ctx context.Context, name string) (*models.WorkflowTemplate, error) {
	var tmpl models.WorkflowTemplate
	err := db.db.WithContext(ctx).Where("name = ?", name).First(&tmpl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tmpl, nil
}

// ListTemplates returns all templates ordered by name
func (db *GormDB) ListTemplates(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	var templates []*models.WorkflowTemplate
	if err := db.db.WithContext(ctx).Order("name ASC").Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

// CreateWorkflow inserts a workflow row without its graph
func (db *GormDB) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	return db.db.WithContext(ctx).Omit(clause.Associations).Create(wf).Error
}

// GetWorkflow retrieves a workflow without its graph
func (db *GormDB) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var wf models.Workflow
	if err := db.db.WithContext(ctx).First(&wf, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "workflow", id)
	}
	return &wf, nil
}

// GetWorkflowGraph retrieves a workflow with its steps and dataflows
func (db *GormDB) GetWorkflowGraph(ctx context.Context, id string) (*models.Workflow, error) {
	var wf models.Workflow
	err := db.db.WithContext(ctx).
		Preload("Steps", func(tx *gorm.DB) *gorm.DB { return tx.Order("step_name ASC") }).
		Preload("Dataflows", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at ASC") }).
		First(&wf, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "workflow", id)
	}
	return &wf, nil
}

// ListWorkflows returns workflows, newest first, optionally filtered by state
func (db *GormDB) ListWorkflows(ctx context.Context, state models.WorkflowState) ([]*models.Workflow, error) {
	var workflows []*models.Workflow
	q := db.db.WithContext(ctx).Order("created_at DESC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if err := q.Find(&workflows).Error; err != nil {
		return nil, err
	}
	return workflows, nil
}

// SaveWorkflowTransition persists a state change made from the given previous state
func (db *GormDB) SaveWorkflowTransition(ctx context.Context, wf *models.Workflow, from models.WorkflowState) error {
	return db.compareAndSwap(ctx, &models.Workflow{}, wf.ID, from, map[string]any{
		"state": wf.State,
	})
}

// UpdateWorkflowOutputs replaces the stored output map
func (db *GormDB) UpdateWorkflowOutputs(ctx context.Context, wf *models.Workflow) error {
	return db.db.WithContext(ctx).Model(&models.Workflow{}).
		Where("id = ?", wf.ID).
		Update("outputs", wf.Outputs).Error
}

// CreateStep inserts a step
func (db *GormDB) CreateStep(ctx context.Context, step *models.WorkflowStep) error {
	return db.db.WithContext(ctx).Create(step).Error
}

// GetStep retrieves a step by id
func (db *GormDB) GetStep(ctx context.Context, id string) (*models.WorkflowStep, error) {
	var step models.WorkflowStep
	if err := db.db.WithContext(ctx).First(&step, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "step", id)
	}
	return &step, nil
}

// GetStepsByWorkflow returns every step of a workflow ordered by name
func (db *GormDB) GetStepsByWorkflow(ctx context.Context, workflowID string) ([]models.WorkflowStep, error) {
	var steps []models.WorkflowStep
	err := db.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("step_name ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// SaveStepTransition persists a step state change made from the given previous state,
// together with the fields transitions may touch
func (db *GormDB) SaveStepTransition(ctx context.Context, step *models.WorkflowStep, from models.StepState) error {
	return db.compareAndSwap(ctx, &models.WorkflowStep{}, step.ID, from, map[string]any{
		"state":          step.State,
		"attempts":       step.Attempts,
		"current_job_id": step.CurrentJobID,
	})
}

// CreateDataflow inserts an edge. The model hook rejects structurally invalid edges.
func (db *GormDB) CreateDataflow(ctx context.Context, edge *models.WorkflowDataflow) error {
	return db.db.WithContext(ctx).Create(edge).Error
}

// GetDataflowsByWorkflow returns all edges of a workflow
func (db *GormDB) GetDataflowsByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowDataflow, error) {
	var edges []*models.WorkflowDataflow
	err := db.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC").
		Find(&edges).Error
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// GetOutgoingDataflows returns edges leaving a step's named output
func (db *GormDB) GetOutgoingDataflows(ctx context.Context, stepID, outputName string) ([]*models.WorkflowDataflow, error) {
	var edges []*models.WorkflowDataflow
	err := db.db.WithContext(ctx).
		Where("src_step_id = ? AND src_output_name = ?", stepID, outputName).
		Order("created_at ASC").
		Find(&edges).Error
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// SaveDataflow persists an edge's value, state and delivery marker
func (db *GormDB) SaveDataflow(ctx context.Context, edge *models.WorkflowDataflow) error {
	return db.db.WithContext(ctx).Model(&models.WorkflowDataflow{}).
		Where("id = ?", edge.ID).
		Updates(map[string]any{
			"value":            edge.Value,
			"state":            edge.State,
			"delivered_job_id": edge.DeliveredJobID,
		}).Error
}

// CreateRequest inserts a job request
func (db *GormDB) CreateRequest(ctx context.Context, req *models.JobRequest) error {
	return db.db.WithContext(ctx).Create(req).Error
}

// GetRequest retrieves a job request by id
func (db *GormDB) GetRequest(ctx context.Context, id string) (*models.JobRequest, error) {
	var req models.JobRequest
	if err := db.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job request", id)
	}
	return &req, nil
}

// GetRequestsByStep returns a step's auction rounds, oldest first
func (db *GormDB) GetRequestsByStep(ctx context.Context, stepID string) ([]*models.JobRequest, error) {
	var reqs []*models.JobRequest
	err := db.db.WithContext(ctx).
		Where("step_id = ?", stepID).
		Order("attempt ASC").
		Order("created_at ASC").
		Find(&reqs).Error
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

// SaveRequestTransition persists a request state change made from the given previous state
func (db *GormDB) SaveRequestTransition(ctx context.Context, req *models.JobRequest, from models.RequestState) error {
	return db.compareAndSwap(ctx, &models.JobRequest{}, req.ID, from, map[string]any{
		"state": req.State,
	})
}

// CreateOffer inserts an offer. A repeated agent-assigned id yields ErrAlreadyExists.
func (db *GormDB) CreateOffer(ctx context.Context, offer *models.JobOffer) error {
	result := db.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(offer)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("offer %s: %w", offer.ID, ErrAlreadyExists)
	}
	return nil
}

// GetOffer retrieves an offer by id
func (db *GormDB) GetOffer(ctx context.Context, id string) (*models.JobOffer, error) {
	var offer models.JobOffer
	if err := db.db.WithContext(ctx).First(&offer, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job offer", id)
	}
	return &offer, nil
}

// GetOffersByRequest returns all offers received for a request
func (db *GormDB) GetOffersByRequest(ctx context.Context, requestID string) ([]*models.JobOffer, error) {
	var offers []*models.JobOffer
	err := db.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&offers).Error
	if err != nil {
		return nil, err
	}
	return offers, nil
}

// CreateJob inserts a job proxy. A repeated agent-assigned id yields ErrAlreadyExists.
func (db *GormDB) CreateJob(ctx context.Context, job *models.Job) error {
	result := db.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
	}
	return nil
}

// GetJob retrieves a job proxy by id
func (db *GormDB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := db.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job", id)
	}
	return &job, nil
}

// SaveJobTransition persists a job state change made from the given previous state
func (db *GormDB) SaveJobTransition(ctx context.Context, job *models.Job, from models.JobState) error {
	return db.compareAndSwap(ctx, &models.Job{}, job.ID, from, map[string]any{
		"state": job.State,
		"info":  job.Info,
	})
}

// SaveOfferTransition persists an offer state change made from the given previous state
func (db *GormDB) SaveOfferTransition(ctx context.Context, offer *models.JobOffer, from models.OfferState) error {
	return db.compareAndSwap(ctx, &models.JobOffer{}, offer.ID, from, map[string]any{
		"state": offer.State,
	})
}
