// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noldarim/caroni/internal/compiler"
	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/metrics"
	"github.com/noldarim/caroni/internal/orchestrator/dag"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/orchestrator/services"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/noldarim/caroni/internal/tracing"
	"github.com/noldarim/caroni/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetManagerLogger().With().Str("component", "router").Logger()
		log = &l
	})
	return log
}

// handlerFunc handles one decoded message. replyTo is the envelope's reply-to topic.
type handlerFunc func(ctx context.Context, msg protocol.Message, replyTo string) error

// Orchestrator is the manager process: it owns the site identity, receives protocol
// messages on the manager topic and routes them to the engine
type Orchestrator struct {
	config      *config.AppConfig
	db          *database.GormDB
	transport   transport.Transport
	engine      *services.Engine
	dataService *services.DataService
	metrics     *metrics.Metrics
	site        *models.WorkflowSite
	topic       string
	handlers    map[protocol.Kind]handlerFunc
}

// New creates a manager on an open database and transport. eventChan receives UI
// events without blocking and may be nil; so may m.
func New(ctx context.Context, cfg *config.AppConfig, db *database.GormDB, tr transport.Transport, eventChan chan<- protocol.Event, m *metrics.Metrics) (*Orchestrator, error) {
	site, err := db.EnsureSite(ctx, cfg.Manager.SiteName)
	if err != nil {
		return nil, fmt.Errorf("failed to register workflow site: %w", err)
	}

	topicID := cfg.Manager.TopicID
	if topicID == "" {
		topicID = protocol.TopicIDFromUUID(site.ID)
	}
	topic := protocol.Topic(cfg.Transport.Exchange, protocol.RoleManager, topicID)

	frontend := compiler.NewCWLFrontend()
	builder := dag.NewBuilder(frontend, dag.Options{
		Strict:      cfg.DAG.Strict,
		MaxAttempts: cfg.Fulfillment.MaxAttempts,
	})
	engine := services.NewEngine(db, tr, builder, eventChan, m, services.Options{
		Fulfillment:  cfg.Fulfillment,
		Exchange:     cfg.Transport.Exchange,
		ManagerTopic: topic,
	})

	o := &Orchestrator{
		config:      cfg,
		db:          db,
		transport:   tr,
		engine:      engine,
		dataService: services.NewDataService(db, frontend),
		metrics:     m,
		site:        site,
		topic:       topic,
	}
	o.handlers = map[protocol.Kind]handlerFunc{
		protocol.KindWorkflowCreate: func(ctx context.Context, msg protocol.Message, _ string) error {
			_, err := engine.HandleWorkflowCreate(ctx, msg.(*protocol.WorkflowCreate))
			return err
		},
		protocol.KindJobFulfillmentDecline: func(ctx context.Context, msg protocol.Message, _ string) error {
			return engine.HandleDecline(ctx, msg.(*protocol.JobFulfillmentDecline))
		},
		protocol.KindJobFulfillmentOffer: func(ctx context.Context, msg protocol.Message, replyTo string) error {
			return engine.HandleOffer(ctx, msg.(*protocol.JobFulfillmentOffer), replyTo)
		},
		protocol.KindJobQueued: func(ctx context.Context, msg protocol.Message, replyTo string) error {
			return engine.HandleJobQueued(ctx, msg.(*protocol.JobQueued), replyTo)
		},
		protocol.KindJobStatusUpdate: func(ctx context.Context, msg protocol.Message, _ string) error {
			return engine.HandleStatusUpdate(ctx, msg.(*protocol.JobStatusUpdate))
		},
		protocol.KindJobDataReady: func(ctx context.Context, msg protocol.Message, _ string) error {
			return engine.HandleDataReady(ctx, msg.(*protocol.JobDataReady))
		},
	}

	getLog().Info().
		Str("site_id", site.ID).
		Str("site", site.Name).
		Str("topic", topic).
		Msg("Manager initialized")
	return o, nil
}

// Topic is the manager's inbound topic; agents reply here
func (o *Orchestrator) Topic() string {
	return o.topic
}

// Site returns the manager's site registration
func (o *Orchestrator) Site() *models.WorkflowSite {
	return o.site
}

// Engine returns the engine for direct calls (e.g. by the API server)
func (o *Orchestrator) Engine() *services.Engine {
	return o.engine
}

// DataService returns the data service for direct read access (e.g. by the API server).
func (o *Orchestrator) DataService() *services.DataService {
	return o.dataService
}

// Run receives messages until ctx is cancelled. Deliveries are queued on a bounded
// inbox and handled by manager.workers goroutines; a full inbox drops the delivery.
func (o *Orchestrator) Run(ctx context.Context) error {
	workers := max(o.config.Manager.Workers, 1)
	inbox := make(chan transport.Delivery, max(o.config.Manager.InboxSize, 1))

	o.engine.Start(ctx)
	defer o.engine.Stop()

	err := o.transport.Subscribe(ctx, o.topic, func(ctx context.Context, d transport.Delivery) {
		select {
		case inbox <- d:
		case <-ctx.Done():
		default:
			o.metrics.MessageDropped("inbox_full")
			getLog().Warn().Str("topic", d.Topic).Msg("Inbox full, dropping message")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", o.topic, err)
	}

	getLog().Info().Str("topic", o.topic).Int("workers", workers).Msg("Manager started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d := <-inbox:
					o.dispatch(ctx, d)
				}
			}
		})
	}
	err = g.Wait()
	getLog().Info().Msg("Manager shutting down")
	return err
}

// dispatch decodes and handles one delivery. Errors are logged and never escape.
func (o *Orchestrator) dispatch(ctx context.Context, d transport.Delivery) {
	env, msg, err := d.Decode()
	if err != nil {
		reason := "decode"
		if errors.Is(err, protocol.ErrUnknownMessageType) {
			reason = "unknown_kind"
		}
		o.metrics.MessageDropped(reason)
		getLog().Warn().Err(err).Str("topic", d.Topic).Msg("Dropping undecodable message")
		return
	}

	handler, ok := o.handlers[env.Kind]
	if !ok {
		o.metrics.MessageDropped("unknown_kind")
		getLog().Warn().Err(protocol.ErrUnknownMessageType).Str("kind", string(env.Kind)).Msg("No handler for message kind")
		return
	}

	ctx, span := tracing.Start(ctx, "handle "+string(env.Kind),
		attribute.String("caroni.kind", string(env.Kind)),
		attribute.String("caroni.reply_to", env.ReplyTo),
	)
	defer span.End()

	start := time.Now()
	err = handler(ctx, msg, env.ReplyTo)
	o.metrics.MessageReceived(string(env.Kind), time.Since(start))
	if err != nil {
		tracing.Fail(span, err)
		getLog().Error().Err(err).Str("kind", string(env.Kind)).Str("reply_to", env.ReplyTo).Msg("Failed to handle message")
		return
	}
	getLog().Debug().Str("kind", string(env.Kind)).Dur("took", time.Since(start)).Msg("Handled message")
}

// Close releases the transport and database
func (o *Orchestrator) Close() error {
	getLog().Info().Msg("Shutting down manager...")
	var errs []error
	if err := o.transport.Close(); err != nil {
		getLog().Error().Err(err).Msg("Error closing transport")
		errs = append(errs, err)
	}
	if err := o.db.Close(); err != nil {
		getLog().Error().Err(err).Msg("Error closing database")
		errs = append(errs, err)
	}
	getLog().Info().Msg("Manager shutdown complete")
	return errors.Join(errs...)
}
