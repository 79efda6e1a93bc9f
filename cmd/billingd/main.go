// Command billingd runs the billing service: the webhook gateway and JSON
// API over HTTP plus the background reconciliation loop.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/access"
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/gateway"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/paymentmethod"
	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/provider"
	"github.com/dmitrymomot/billingkit/pkg/reconcile"
	svcbilling "github.com/dmitrymomot/billingkit/svc/billing"
)

type appConfig struct {
	Env       string `env:"APP_ENV" envDefault:"development"`
	PlansPath string `env:"PLANS_PATH" envDefault:"plans.yml"`

	StripeAPIKey        string `env:"STRIPE_API_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`

	DB        pg.Config
	HTTP      httpserver.Config
	Reconcile reconcile.Config
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(logger.WithEnvironment(cfg.Env, "billingd"))
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("billingd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	pool, err := pg.Connect(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.DB, log); err != nil {
		return err
	}

	catalog, err := billing.LoadCatalogFile(cfg.PlansPath)
	if err != nil {
		return err
	}

	events := ledger.NewPostgresStore(pool)
	subs := billing.NewPostgresStore(pool)
	methods := paymentmethod.NewPostgresStore(pool)

	// TODO: replace the log-only granter and notifier with the entitlement
	// service and email delivery once those land.
	granter := &logGranter{log: log}
	notifier := &logNotifier{log: log}

	applier := access.NewApplier(granter, notifier, access.WithLogger(log))
	engine := billing.NewEngine(subs, events, applier, billing.WithLogger(log))
	registry := paymentmethod.NewRegistry(methods, events, subscriptionResolver{subs: subs},
		paymentmethod.WithLogger(log))
	checker := access.NewChecker(subs)
	client := provider.NewStripeClient(cfg.StripeAPIKey, cfg.StripeWebhookSecret)

	gw := gateway.New(engine, subs, events, client, registry, notifier,
		gateway.WithLogger(log))
	service := svcbilling.NewService(gw, engine, subs, events, checker, registry, catalog,
		svcbilling.WithLogger(log))

	rec := reconcile.New(cfg.Reconcile, subs, events, engine, client, notifier, catalog,
		reconcile.WithPaymentMethods(methods),
		reconcile.WithLogger(log))
	go rec.Run(ctx)
	go drainTransitions(ctx, applier.Feed(), log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", httpserver.HealthCheckHandler(log, pg.Healthcheck(pool)))
	r.Mount("/", service.Handle())

	return httpserver.New(cfg.HTTP, log).Run(ctx, r)
}

// drainTransitions consumes the side-effect feed so slow downstream
// consumers never block the engine. Transitions are logged for audit.
func drainTransitions(ctx context.Context, feed <-chan access.Transition, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-feed:
			log.InfoContext(ctx, "subscription transition",
				"subscription_id", tr.Subscription.ID,
				"user_id", tr.Subscription.UserID,
				"previous", tr.Previous,
				"next", tr.Next)
		}
	}
}

// subscriptionResolver maps a user to their current subscription for
// payment-method audit entries.
type subscriptionResolver struct {
	subs billing.Store
}

func (r subscriptionResolver) ResolveSubscriptionID(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	sub, err := r.subs.GetCurrentByUser(ctx, userID)
	if err != nil {
		return uuid.Nil, nil
	}
	return sub.ID, nil
}

type logGranter struct {
	log *slog.Logger
}

func (g *logGranter) Grant(ctx context.Context, userID uuid.UUID) error {
	g.log.InfoContext(ctx, "access granted", "user_id", userID)
	return nil
}

func (g *logGranter) Revoke(ctx context.Context, userID uuid.UUID) error {
	g.log.InfoContext(ctx, "access revoked", "user_id", userID)
	return nil
}

type logNotifier struct {
	log *slog.Logger
}

func (n *logNotifier) PaymentSucceeded(ctx context.Context, userID uuid.UUID, amount int64, currency string) error {
	n.log.InfoContext(ctx, "notify: payment succeeded", "user_id", userID, "amount", amount, "currency", currency)
	return nil
}

func (n *logNotifier) PaymentFailed(ctx context.Context, userID uuid.UUID) error {
	n.log.InfoContext(ctx, "notify: payment failed", "user_id", userID)
	return nil
}

func (n *logNotifier) PaymentOverdue(ctx context.Context, userID uuid.UUID) error {
	n.log.InfoContext(ctx, "notify: payment overdue", "user_id", userID)
	return nil
}

func (n *logNotifier) TrialExpiring(ctx context.Context, userID uuid.UUID, daysLeft int) error {
	n.log.InfoContext(ctx, "notify: trial expiring", "user_id", userID, "days_left", daysLeft)
	return nil
}

func (n *logNotifier) TrialExpired(ctx context.Context, userID uuid.UUID) error {
	n.log.InfoContext(ctx, "notify: trial expired", "user_id", userID)
	return nil
}

func (n *logNotifier) PaymentMethodRequired(ctx context.Context, userID uuid.UUID) error {
	n.log.InfoContext(ctx, "notify: payment method required", "user_id", userID)
	return nil
}
