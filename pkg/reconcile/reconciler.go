package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/access"
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/paymentmethod"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// Config tunes the reconciliation loop. Zero values fall back to defaults.
type Config struct {
	// Interval between full reconciliation passes.
	Interval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1h"`
	// TrialReminderWindow is how close to trial end the expiry reminders
	// start going out.
	TrialReminderWindow time.Duration `env:"RECONCILE_TRIAL_REMINDER_WINDOW" envDefault:"72h"`
	// ProviderTimeout bounds each provider call during a pass.
	ProviderTimeout time.Duration `env:"RECONCILE_PROVIDER_TIMEOUT" envDefault:"30s"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.TrialReminderWindow <= 0 {
		c.TrialReminderWindow = 72 * time.Hour
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	return c
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked       int `json:"checked"`
	Corrected     int `json:"corrected"`
	RemoteMissing int `json:"remote_missing"`
	TrialsExpired int `json:"trials_expired"`
	RemindersSent int `json:"reminders_sent"`
	Errors        int `json:"errors"`
}

// Reconciler runs the periodic sweep: remote sync, trial expiry, trial
// reminders.
type Reconciler struct {
	cfg      Config
	subs     billing.Store
	events   ledger.Store
	engine   *billing.Engine
	client   provider.Client
	notifier access.Notifier
	catalog  *billing.Catalog
	methods  paymentmethod.Store
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithPaymentMethods lets the trial charge sweep check for a charge target
// before attempting payment. Without it every expired linked trial goes
// straight to the provider.
func WithPaymentMethods(store paymentmethod.Store) Option {
	return func(r *Reconciler) {
		r.methods = store
	}
}

// WithClock overrides the reconciler clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a reconciler. Panics on nil required dependencies.
func New(
	cfg Config,
	subs billing.Store,
	events ledger.Store,
	engine *billing.Engine,
	client provider.Client,
	notifier access.Notifier,
	catalog *billing.Catalog,
	opts ...Option,
) *Reconciler {
	if subs == nil {
		panic("reconcile: billing.Store is required")
	}
	if events == nil {
		panic("reconcile: ledger.Store is required")
	}
	if engine == nil {
		panic("reconcile: billing.Engine is required")
	}
	if client == nil {
		panic("reconcile: provider.Client is required")
	}
	if notifier == nil {
		panic("reconcile: access.Notifier is required")
	}
	if catalog == nil {
		panic("reconcile: billing.Catalog is required")
	}

	r := &Reconciler{
		cfg:      cfg.withDefaults(),
		subs:     subs,
		events:   events,
		engine:   engine,
		client:   client,
		notifier: notifier,
		catalog:  catalog,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a pass immediately and then on the configured interval until
// ctx is canceled. A failing pass is logged and the loop keeps going.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.InfoContext(ctx, "reconciliation loop started", "interval", r.cfg.Interval)
	r.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "reconciliation loop stopped")
			return
		case <-ticker.C:
			r.runPass(ctx)
		}
	}
}

func (r *Reconciler) runPass(ctx context.Context) {
	report, err := r.RunOnce(ctx)
	if err != nil {
		r.log.ErrorContext(ctx, "reconciliation pass failed", "error", err)
		return
	}
	r.log.InfoContext(ctx, "reconciliation pass finished",
		"checked", report.Checked,
		"corrected", report.Corrected,
		"remote_missing", report.RemoteMissing,
		"trials_expired", report.TrialsExpired,
		"reminders_sent", report.RemindersSent,
		"errors", report.Errors)
}

// RunOnce executes a single full pass and returns its report.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	if err := r.syncPass(ctx, &report); err != nil {
		return report, err
	}
	if err := r.trialExpiryPass(ctx, &report); err != nil {
		return report, err
	}
	if err := r.reminderPass(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

// syncPass compares every access-family subscription against the provider
// and applies corrections.
func (r *Reconciler) syncPass(ctx context.Context, report *Report) error {
	subs, err := r.subs.ListAccessFamily(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list access family: %w", err)
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sub.ExternalID == "" {
			// Local trial not linked to the provider yet; nothing to sync.
			continue
		}
		report.Checked++
		r.syncOne(ctx, sub, report)
	}
	return nil
}

func (r *Reconciler) syncOne(ctx context.Context, sub billing.Subscription, report *Report) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	remote, err := r.client.GetSubscription(callCtx, sub.ExternalID)
	cancel()

	if errors.Is(err, provider.ErrSubscriptionNotFound) {
		r.cancelMissing(ctx, sub, report)
		return
	}
	if err != nil {
		report.Errors++
		r.log.WarnContext(ctx, "provider fetch failed, will retry next pass",
			"subscription_id", sub.ID,
			"external_id", sub.ExternalID,
			"outcome", provider.Classify(err).String(),
			"error", err)
		return
	}

	if !r.drifted(sub, remote) {
		return
	}

	observed := observedFromState(remote)
	if plan, perr := r.catalog.GetByPriceID(remote.PriceID); perr == nil {
		observed.PlanID = &plan.ID
	}

	_, applied, err := r.engine.Apply(ctx, billing.ApplyRequest{
		SubscriptionID: sub.ID,
		Desired:        remote.Status,
		Observed:       observed,
		SourceEventID:  fmt.Sprintf("recon_%s_%s", sub.ID, remote.Fingerprint()),
		EventType:      ledger.TypeReconciliationSync,
		Metadata: map[string]any{
			"via":         "reconciliation",
			"fingerprint": remote.Fingerprint(),
		},
	})
	if err != nil {
		report.Errors++
		r.log.ErrorContext(ctx, "drift correction failed",
			"subscription_id", sub.ID, "error", err)
		return
	}
	if applied {
		report.Corrected++
		r.log.InfoContext(ctx, "corrected subscription drift",
			"subscription_id", sub.ID,
			"local_status", sub.Status,
			"remote_status", remote.Status)
	}
}

// cancelMissing handles a subscription the provider no longer knows about:
// the authoritative copy is gone, so the local one is canceled.
func (r *Reconciler) cancelMissing(ctx context.Context, sub billing.Subscription, report *Report) {
	_, applied, err := r.engine.Apply(ctx, billing.ApplyRequest{
		SubscriptionID: sub.ID,
		Desired:        billing.StatusCanceled,
		SourceEventID:  fmt.Sprintf("recon_missing_%s", sub.ExternalID),
		EventType:      ledger.TypeSubscriptionCanceled,
		Metadata: map[string]any{
			"via":    "reconciliation",
			"reason": "missing at provider",
		},
	})
	if err != nil {
		report.Errors++
		r.log.ErrorContext(ctx, "failed to cancel provider-missing subscription",
			"subscription_id", sub.ID, "error", err)
		return
	}
	if applied {
		report.RemoteMissing++
	}
}

// drifted reports whether the provider view disagrees with the local copy on
// any field the engine tracks.
func (r *Reconciler) drifted(sub billing.Subscription, remote provider.SubscriptionState) bool {
	if sub.Status != remote.Status {
		return true
	}
	if !remote.CurrentPeriodEnd.IsZero() && !sub.CurrentPeriodEnd.Equal(remote.CurrentPeriodEnd) {
		return true
	}
	if !remote.TrialEnd.IsZero() && (sub.TrialEnd == nil || !sub.TrialEnd.Equal(remote.TrialEnd)) {
		return true
	}
	if !remote.CanceledAt.IsZero() && sub.CanceledAt == nil {
		return true
	}
	return false
}

// trialExpiryPass moves trials whose end passed without a provider event to
// past_due and attempts the first real charge.
func (r *Reconciler) trialExpiryPass(ctx context.Context, report *Report) error {
	now := r.now()
	expired, err := r.subs.ListExpiredTrials(ctx, now)
	if err != nil {
		return fmt.Errorf("reconcile: list expired trials: %w", err)
	}

	for _, sub := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.expireOne(ctx, sub, report)
	}
	return nil
}

func (r *Reconciler) expireOne(ctx context.Context, sub billing.Subscription, report *Report) {
	trialEnd := sub.TrialEnd.Unix()

	_, applied, err := r.engine.Apply(ctx, billing.ApplyRequest{
		SubscriptionID: sub.ID,
		Desired:        billing.StatusPastDue,
		SourceEventID:  fmt.Sprintf("trial_expired_%s_%d", sub.ID, trialEnd),
		EventType:      ledger.TypeTrialEnded,
		Metadata:       map[string]any{"via": "trial_expiry_sweep"},
	})
	if err != nil {
		report.Errors++
		r.log.ErrorContext(ctx, "trial expiry transition failed",
			"subscription_id", sub.ID, "error", err)
		return
	}
	if !applied {
		return
	}
	report.TrialsExpired++

	if err := r.notifier.TrialExpired(ctx, sub.UserID); err != nil {
		r.log.WarnContext(ctx, "trial expired notification failed",
			"subscription_id", sub.ID, "error", err)
	}

	if sub.ExternalID == "" {
		// Unlinked trial: no provider subscription to charge. The user has
		// to complete checkout; access lapses with the trial.
		return
	}
	r.chargeAfterTrial(ctx, sub, trialEnd, report)
}

// chargeAfterTrial attempts the first post-trial payment. Success promotes
// the subscription back to active; failure leaves it past_due and the
// provider's dunning cycle takes over.
func (r *Reconciler) chargeAfterTrial(ctx context.Context, sub billing.Subscription, trialEnd int64, report *Report) {
	if r.methods != nil {
		if _, err := r.methods.GetDefault(ctx, sub.UserID); errors.Is(err, paymentmethod.ErrNotFound) {
			if _, _, rerr := r.events.Record(ctx, ledger.Event{
				SubscriptionID:  sub.ID,
				Type:            ledger.TypeTrialPaymentFailed,
				ExternalEventID: fmt.Sprintf("trial_payment_failed_%s_%d", sub.ID, trialEnd),
				Success:         false,
				Metadata:        map[string]any{"reason": "no_payment_method"},
				CreatedAt:       r.now(),
			}); rerr != nil {
				r.log.ErrorContext(ctx, "failed to record missing payment method",
					"subscription_id", sub.ID, "error", rerr)
			}
			if nerr := r.notifier.PaymentMethodRequired(ctx, sub.UserID); nerr != nil {
				r.log.WarnContext(ctx, "payment method required notification failed",
					"subscription_id", sub.ID, "error", nerr)
			}
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	err := r.client.PayLatestInvoice(callCtx, sub.ExternalID)
	cancel()

	if err != nil {
		if _, _, rerr := r.events.Record(ctx, ledger.Event{
			SubscriptionID:  sub.ID,
			Type:            ledger.TypeTrialPaymentFailed,
			ExternalEventID: fmt.Sprintf("trial_payment_failed_%s_%d", sub.ID, trialEnd),
			Success:         false,
			Metadata: map[string]any{
				"outcome": provider.Classify(err).String(),
				"error":   err.Error(),
			},
			CreatedAt: r.now(),
		}); rerr != nil {
			r.log.ErrorContext(ctx, "failed to record trial payment failure",
				"subscription_id", sub.ID, "error", rerr)
		}
		if nerr := r.notifier.PaymentFailed(ctx, sub.UserID); nerr != nil {
			r.log.WarnContext(ctx, "payment failed notification failed",
				"subscription_id", sub.ID, "error", nerr)
		}
		return
	}

	if _, _, err := r.engine.Apply(ctx, billing.ApplyRequest{
		SubscriptionID: sub.ID,
		Desired:        billing.StatusActive,
		SourceEventID:  fmt.Sprintf("trial_payment_succeeded_%s_%d", sub.ID, trialEnd),
		EventType:      ledger.TypeTrialPaymentSucceeded,
		Metadata:       map[string]any{"via": "trial_expiry_sweep"},
	}); err != nil {
		report.Errors++
		r.log.ErrorContext(ctx, "post-trial activation failed",
			"subscription_id", sub.ID, "error", err)
	}
}

// reminderPass sends trial expiry reminders for trials ending inside the
// reminder window, at most one per subscription per day. The daily cap rides
// on the ledger: the reminder's synthetic ID embeds the date.
func (r *Reconciler) reminderPass(ctx context.Context, report *Report) error {
	now := r.now()
	ending, err := r.subs.ListTrialsEndingWithin(ctx, now, r.cfg.TrialReminderWindow)
	if err != nil {
		return fmt.Errorf("reconcile: list ending trials: %w", err)
	}

	for _, sub := range ending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reminderID := fmt.Sprintf("trial_reminder_%s_%s", sub.ID, now.Format("2006-01-02"))
		_, inserted, err := r.events.Record(ctx, ledger.Event{
			SubscriptionID:  sub.ID,
			Type:            ledger.TypeTrialExpiringReminder,
			ExternalEventID: reminderID,
			Success:         true,
			Metadata: map[string]any{
				"days_left": sub.TrialDaysRemainingAt(now),
			},
			CreatedAt: now,
		})
		if err != nil {
			report.Errors++
			r.log.ErrorContext(ctx, "failed to record trial reminder",
				"subscription_id", sub.ID, "error", err)
			continue
		}
		if !inserted {
			continue
		}

		if err := r.notifier.TrialExpiring(ctx, sub.UserID, sub.TrialDaysRemainingAt(now)); err != nil {
			r.log.WarnContext(ctx, "trial reminder notification failed",
				"subscription_id", sub.ID, "error", err)
			continue
		}
		report.RemindersSent++
	}
	return nil
}

func observedFromState(state provider.SubscriptionState) billing.ObservedFields {
	o := billing.ObservedFields{}
	if state.Amount > 0 {
		o.Amount = &state.Amount
	}
	if state.Currency != "" {
		o.Currency = &state.Currency
	}
	if !state.CurrentPeriodStart.IsZero() {
		o.CurrentPeriodStart = &state.CurrentPeriodStart
	}
	if !state.CurrentPeriodEnd.IsZero() {
		o.CurrentPeriodEnd = &state.CurrentPeriodEnd
	}
	if !state.TrialStart.IsZero() {
		o.TrialStart = &state.TrialStart
	}
	if !state.TrialEnd.IsZero() {
		o.TrialEnd = &state.TrialEnd
	}
	if !state.CanceledAt.IsZero() {
		o.CanceledAt = &state.CanceledAt
	}
	return o
}
