/*
Package authevents distributes authentication events to in-process handlers
and external webhook subscribers.

# Overview

Producers (password login, sessions, OAuth, MFA) publish events such as
"user.created" or "session.expired". Each event is validated against its
registered schema, appended to a per-stream log, and handed to every
matching handler. One of those handlers is the webhook dispatcher: it
queues a signed HTTP delivery for each endpoint whose filter matches.

	settings, err := config.Load("authevents.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	hub, err := authevents.New(ctx, settings)
	if err != nil {
	    log.Fatal(err)
	}
	defer hub.Close(context.Background())

	hub.Schemas().MustRegister(&event.Schema{
	    Name:    "user.created",
	    Version: 1,
	    Fields: []event.FieldSpec{
	        {Name: "user_id", Type: event.TypeString, Required: true},
	        {Name: "email", Type: event.TypeString, Required: true, Rule: "email"},
	    },
	})

	hub.Bus().On("user.*", event.HandlerFunc(audit), event.WithHandlerName("audit"))

	_ = hub.Endpoints().Register(ctx, webhook.NewEndpoint(
	    "https://crm.example.com/hooks", secret,
	    webhook.WithFilter(webhook.Events("user.*")),
	))

	if err := hub.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	hub.Emit(ctx, "user.created", "password", map[string]any{
	    "user_id": "u1", "email": "a@example.com",
	}, event.WithStream("user-u1"))

# Components

  - event: events, schemas, the bus, dead letters and replay
  - store: memory and SQLite persistence for events, endpoints and jobs
  - webhook: endpoints, the job queue, the delivery engine and signatures
  - breaker, ratelimit: per-endpoint protection used by the engine
  - config: layered settings (file, .env, AUTHEVENTS_* variables)
  - observability: slog helpers, OpenTelemetry and Prometheus recorders

# Delivery Guarantees

Events are stored before any handler runs. Handlers that keep failing land
in the dead-letter queue and are retried on a schedule. Webhook jobs are
persisted and survive restarts; a job is attempted until it succeeds or its
attempt budget runs out. Receivers should deduplicate on the X-Webhook-ID
header, since a delivery may arrive more than once.
*/
package authevents
