package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/access"
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/gateway"
	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/paymentmethod"
	"github.com/dmitrymomot/billingkit/pkg/provider"
	svc "github.com/dmitrymomot/billingkit/svc/billing"
)

type fixture struct {
	srv      *httptest.Server
	store    *billing.MemoryStore
	events   *ledger.MemoryStore
	engine   *billing.Engine
	fake     *provider.Fake
	granter  *access.MemoryGranter
	notifier *access.RecorderNotifier
}

type storeResolver struct {
	store *billing.MemoryStore
}

func (r storeResolver) ResolveSubscriptionID(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	sub, err := r.store.GetCurrentByUser(ctx, userID)
	if err != nil {
		return uuid.Nil, nil
	}
	return sub.ID, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	events := ledger.NewMemoryStore()
	store := billing.NewMemoryStore(events)
	granter := access.NewMemoryGranter()
	notifier := access.NewRecorderNotifier(nil)
	applier := access.NewApplier(granter, notifier)
	engine := billing.NewEngine(store, events, applier)
	fake := provider.NewFake("whsec_test")
	registry := paymentmethod.NewRegistry(
		paymentmethod.NewMemoryStore(), events, storeResolver{store: store})
	checker := access.NewChecker(store)

	catalog, err := billing.NewCatalog(
		billing.Plan{ID: "monthly", Name: "Monthly", PriceID: "price_monthly", Amount: 5000, Currency: "usd", Interval: billing.IntervalMonthly},
		billing.Plan{ID: "annual", Name: "Annual", PriceID: "price_annual", Amount: 50000, Currency: "usd", Interval: billing.IntervalAnnual},
	)
	require.NoError(t, err)

	gw := gateway.New(engine, store, events, fake, registry, notifier)
	service := svc.NewService(gw, engine, store, events, checker, registry, catalog)

	srv := httptest.NewServer(service.Handle())
	t.Cleanup(srv.Close)

	return &fixture{
		srv:      srv,
		store:    store,
		events:   events,
		engine:   engine,
		fake:     fake,
		granter:  granter,
		notifier: notifier,
	}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (f *fixture) postWebhook(t *testing.T, event provider.Event) *http.Response {
	t.Helper()

	payload, err := json.Marshal(event)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", f.fake.Sign(payload))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestService_SignupFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()

	resp := f.postJSON(t, "/subscriptions", map[string]any{
		"user_id": userID,
		"plan_id": "monthly",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeJSON[billing.Subscription](t, resp)
	assert.Equal(t, billing.StatusTrialing, created.Status)
	assert.True(t, f.granter.Granted(userID))

	// Access endpoint agrees.
	resp, err := http.Get(f.srv.URL + "/access/" + userID.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[map[string]bool](t, resp)
	assert.True(t, body["has_access"])
}

func TestService_SignupValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()

		resp := f.postJSON(t, "/subscriptions", map[string]any{
			"user_id": uuid.New(),
			"plan_id": "enterprise",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing user", func(t *testing.T) {
		t.Parallel()

		resp := f.postJSON(t, "/subscriptions", map[string]any{"plan_id": "monthly"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("garbage body", func(t *testing.T) {
		t.Parallel()

		resp, err := http.Post(f.srv.URL+"/subscriptions", "application/json", bytes.NewReader([]byte("nope")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestService_WebhookLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()

	// Signup, then link the subscription to the provider via checkout.
	resp := f.postJSON(t, "/subscriptions", map[string]any{
		"user_id": userID,
		"plan_id": "monthly",
	})
	created := decodeJSON[billing.Subscription](t, resp)

	// Simulate the checkout linking step.
	linked := created
	linked.ExternalID = "sub_ext"
	linked.ExternalCustomerID = "cus_ext"
	_, err := f.store.UpdateVersioned(context.Background(), linked, created.Version, ledger.Event{
		SubscriptionID:  created.ID,
		Type:            ledger.TypeSubscriptionUpdated,
		ExternalEventID: "link_" + created.ID.String(),
		Success:         true,
	})
	require.NoError(t, err)

	// Provider confirms activation.
	resp = f.postWebhook(t, provider.Event{
		ID:             "evt_activate",
		Type:           "customer.subscription.updated",
		SubscriptionID: "sub_ext",
		State: &provider.SubscriptionState{
			ID:               "sub_ext",
			Status:           billing.StatusActive,
			CurrentPeriodEnd: time.Now().UTC().AddDate(0, 1, 0),
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Subscription endpoint reflects the new state.
	resp, err = http.Get(fmt.Sprintf("%s/subscriptions/%s", f.srv.URL, userID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[struct {
		billing.Subscription
		HasAccess bool `json:"has_access"`
	}](t, resp)
	assert.Equal(t, billing.StatusActive, got.Status)
	assert.True(t, got.HasAccess)

	// Audit trail shows the activation event.
	resp, err = http.Get(fmt.Sprintf("%s/subscriptions/%s/events", f.srv.URL, userID))
	require.NoError(t, err)
	trail := decodeJSON[struct {
		Events []ledger.Event `json:"events"`
	}](t, resp)
	ids := make([]string, 0, len(trail.Events))
	for _, e := range trail.Events {
		ids = append(ids, e.ExternalEventID)
	}
	assert.Contains(t, ids, "evt_activate")
}

func TestService_EventsPaymentCounters(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()

	resp := f.postJSON(t, "/subscriptions", map[string]any{
		"user_id": userID,
		"plan_id": "monthly",
	})
	created := decodeJSON[billing.Subscription](t, resp)

	now := time.Now().UTC()
	for i, entry := range []ledger.Event{
		{Type: ledger.TypeInvoicePaymentSucceeded, Success: true},
		{Type: ledger.TypeInvoicePaymentFailed},
		{Type: ledger.TypeCustomerUpdated, Success: true},
	} {
		entry.SubscriptionID = created.ID
		entry.ExternalEventID = fmt.Sprintf("evt_count_%d", i)
		entry.CreatedAt = now
		_, _, err := f.events.Record(context.Background(), entry)
		require.NoError(t, err)
	}

	resp, err := http.Get(fmt.Sprintf("%s/subscriptions/%s/events", f.srv.URL, userID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[struct {
		Events            []ledger.Event `json:"events"`
		PaymentEvents30d  int            `json:"payment_events_30d"`
		FailedPayments30d int            `json:"failed_payments_30d"`
	}](t, resp)
	assert.Equal(t, 2, body.PaymentEvents30d)
	assert.Equal(t, 1, body.FailedPayments30d)
	assert.Len(t, body.Events, 4, "creation entry plus the three recorded above")
}

func TestService_WebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/webhook", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", "forged")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestService_WebhookAcksUnknownSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp := f.postWebhook(t, provider.Event{
		ID:             "evt_stranger",
		Type:           "customer.subscription.updated",
		SubscriptionID: "sub_stranger",
		State:          &provider.SubscriptionState{ID: "sub_stranger", Status: billing.StatusActive},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestService_CancelFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()

	resp := f.postJSON(t, "/subscriptions", map[string]any{
		"user_id": userID,
		"plan_id": "monthly",
	})
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/subscriptions/"+userID.String(), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	canceled := decodeJSON[billing.Subscription](t, resp)
	assert.Equal(t, billing.StatusCanceled, canceled.Status)
	assert.False(t, f.granter.Granted(userID))

	// A second cancel finds nothing live.
	req, err = http.NewRequest(http.MethodDelete, f.srv.URL+"/subscriptions/"+userID.String(), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestService_AccessValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/access/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/access/" + uuid.NewString())
	require.NoError(t, err)
	body := decodeJSON[map[string]bool](t, resp)
	assert.False(t, body["has_access"])
}

func TestService_Stats(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for range 2 {
		resp := f.postJSON(t, "/subscriptions", map[string]any{
			"user_id": uuid.New(),
			"plan_id": "monthly",
		})
		resp.Body.Close()
	}
	resp := f.postJSON(t, "/subscriptions", map[string]any{
		"user_id": uuid.New(),
		"plan_id": "annual",
	})
	resp.Body.Close()

	resp, err := http.Get(f.srv.URL + "/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decodeJSON[billing.Stats](t, resp)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(3), stats.Trialing)
	assert.Equal(t, int64(10000), stats.MonthlyRevenue)
	assert.Equal(t, int64(50000), stats.AnnualRevenue)
}

func TestService_Plans(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/plans")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[map[string][]billing.Plan](t, resp)
	require.Len(t, body["plans"], 2)
	assert.Equal(t, "monthly", body["plans"][0].ID)
}
