package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/credentials"
	"github.com/trogers1052/signal-executor/internal/database"
	"github.com/trogers1052/signal-executor/internal/exchange"
	"github.com/trogers1052/signal-executor/internal/failure"
	"github.com/trogers1052/signal-executor/internal/models"
	"github.com/trogers1052/signal-executor/internal/signal"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type memStore struct {
	mu          sync.Mutex
	nextID      int64
	orders      map[string]*models.Order
	invalidated []int64
	staleOnce   bool
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]*models.Order)}
}

func storeKey(userID int64, linkID string) string { return fmt.Sprintf("%d/%s", userID, linkID) }

func (m *memStore) CreateOrder(ctx context.Context, o *models.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storeKey(o.UserID, o.OrderLinkID)
	if _, ok := m.orders[k]; ok {
		return false, nil
	}
	m.nextID++
	o.ID = m.nextID
	o.Version = 1
	cp := *o
	m.orders[k] = &cp
	return true, nil
}

func (m *memStore) GetOrderByLinkID(ctx context.Context, userID int64, linkID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[storeKey(userID, linkID)]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) TransitionOrder(ctx context.Context, o *models.Order, status models.OrderStatus, upd database.OrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.orders[storeKey(o.UserID, o.OrderLinkID)]
	if m.staleOnce {
		m.staleOnce = false
		stored.Version++
	}
	if stored == nil || stored.Version != o.Version {
		return database.ErrStaleVersion
	}
	stored.Status = status
	stored.Version++
	if upd.ExchangeOrderID != "" {
		stored.ExchangeOrderID = upd.ExchangeOrderID
	}
	if upd.Price != nil {
		stored.Price = *upd.Price
	}
	if upd.Pnl != nil {
		stored.Pnl = *upd.Pnl
	}
	stored.FailureKind = upd.FailureKind
	stored.FailureMsg = upd.FailureMsg
	*o = *stored
	return nil
}

func (m *memStore) ListOpenOrders(ctx context.Context, userID int64, symbol string, side models.Side) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.UserID == userID && o.Symbol == symbol && o.Side == side && !o.ReduceOnly &&
			(o.Status == models.OrderFilled || o.Status == models.OrderPartiallyFilled) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListRestingOrders(ctx context.Context, userID int64, symbol string, side models.Side) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.UserID == userID && o.Symbol == symbol && o.Side == side && !o.ReduceOnly && o.Status == models.OrderSubmitted {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) MarkCredentialInvalid(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, id)
	return nil
}

func (m *memStore) all() []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

type fakeExchange struct {
	mu        sync.Mutex
	placed    []exchange.OrderRequest
	placeErrs []error
	cancelled []string
	live      map[string]*exchange.OrderInfo
	fillState string
	positions []models.Position
	balance   decimal.Decimal
	lookupErr error
	// lookupFails fails that many lookups with a 503 before answering
	lookupFails int
	inFlight    atomic.Int32
	overlap     atomic.Bool
	delay       time.Duration
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		live:      make(map[string]*exchange.OrderInfo),
		fillState: "Filled",
		balance:   decimal.NewFromInt(1000),
	}
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, keys exchange.Keys, req exchange.OrderRequest) (exchange.OrderAck, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[req.OrderLinkID]; ok {
		return exchange.OrderAck{}, &exchange.APIError{HTTPStatus: 200, RetCode: exchange.CodeDuplicateLinkID, RetMsg: "OrderLinkedID is duplicate"}
	}
	f.placed = append(f.placed, req)
	var err error
	if len(f.placeErrs) > 0 {
		err = f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
	}
	if err != nil && !errors.Is(err, exchange.ErrUnknownOutcome) {
		return exchange.OrderAck{}, err
	}
	id := fmt.Sprintf("ex-%d", len(f.placed))
	f.live[req.OrderLinkID] = &exchange.OrderInfo{
		OrderID: id, OrderLinkID: req.OrderLinkID, Symbol: req.Symbol, Side: req.Side,
		OrderStatus: f.fillState, Qty: req.Qty, CumExecQty: req.Qty, AvgPrice: "65000",
	}
	if err != nil {
		// the request landed but the response was lost
		return exchange.OrderAck{}, err
	}
	return exchange.OrderAck{OrderID: id, OrderLinkID: req.OrderLinkID}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, keys exchange.Keys, req exchange.CancelRequest) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.live[req.OrderLinkID]
	if !ok || info.OrderStatus != "New" {
		return exchange.OrderAck{}, &exchange.APIError{HTTPStatus: 200, RetCode: exchange.CodeOrderNotExists, RetMsg: "order not exists or too late to cancel"}
	}
	info.OrderStatus = "Cancelled"
	f.cancelled = append(f.cancelled, req.OrderLinkID)
	return exchange.OrderAck{OrderID: info.OrderID, OrderLinkID: req.OrderLinkID}, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, keys exchange.Keys, category, symbol, orderLinkID string) (*exchange.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.lookupFails > 0 {
		f.lookupFails--
		return nil, &exchange.APIError{HTTPStatus: 503, RetMsg: "service unavailable"}
	}
	info, ok := f.live[orderLinkID]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context, keys exchange.Keys, category, symbol string) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeExchange) GetWalletBalance(ctx context.Context, keys exchange.Keys, coin string) (exchange.WalletBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return exchange.WalletBalance{Coin: coin, AvailableBalance: f.balance}, nil
}

func (f *fakeExchange) Placed() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.placed...)
}

type fakeResolver struct {
	branch models.CredentialVariant
	err    error
}

func (r fakeResolver) Resolve(ctx context.Context, userID int64, exchangeName string) (credentials.Resolution, error) {
	if r.err != nil {
		return credentials.Resolution{}, r.err
	}
	c := &models.Credential{ID: 11, Exchange: exchangeName, Environment: "testnet", APIKey: "aB3dE5gH7jK9", APISecret: "s3cr3tValue9981kq", Variant: r.branch}
	if r.branch == models.CredentialIndividual {
		c.UserID = &userID
	}
	return credentials.Resolution{Credential: c, Branch: r.branch}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ExecutionEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev models.ExecutionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.EventType)
	}
	return out
}

type harness struct {
	engine *Engine
	store  *memStore
	ex     *fakeExchange
	events *recordingPublisher
}

func newHarness(branch models.CredentialVariant) *harness {
	cfg := &config.Config{
		Exchange: config.ExchangeConfig{Name: "bybit"},
		Orders:   config.OrdersConfig{Category: "linear", SettleCoin: "USDT"},
		Worker:   config.WorkerConfig{BaseBackoff: time.Millisecond},
	}
	h := &harness{store: newMemStore(), ex: newFakeExchange(), events: &recordingPublisher{}}
	h.engine = NewEngine(h.store, h.ex, fakeResolver{branch: branch}, NewLocalLocker(), h.events, cfg, nil)
	return h
}

func openRequest(t *testing.T, signalID, action string) Request {
	t.Helper()
	ins, err := signal.Parse(action, "")
	require.NoError(t, err)
	return Request{
		Signal:      &models.Signal{ID: signalID, Symbol: "BTCUSDT", Action: action},
		UserID:      7,
		Instruction: ins,
		Quantity:    decimal.RequireFromString("0.01"),
	}
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpen_StrongLongSubmitsBuy(t *testing.T) {
	h := newHarness(models.CredentialIndividual)

	o, err := h.engine.Execute(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
	require.NoError(t, err)
	require.NotNil(t, o)

	placed := h.ex.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, "Buy", placed[0].Side)
	assert.False(t, placed[0].ReduceOnly)
	assert.Equal(t, "0.01", placed[0].Qty)
	assert.Equal(t, "linear", placed[0].Category)
	assert.Equal(t, IdempotencyKey(7, "wh-1"), placed[0].OrderLinkID)

	assert.Equal(t, models.OrderFilled, o.Status)
	assert.Equal(t, "ex-1", o.ExchangeOrderID)
	assert.True(t, o.Price.Equal(decimal.NewFromInt(65000)))
	require.NotNil(t, o.CredentialID)
	assert.Equal(t, "individual", o.CredentialKind)
	assert.Contains(t, h.events.Types(), models.EventOrderSubmitted)
}

func TestOpen_ReplayYieldsOneOrder(t *testing.T) {
	h := newHarness(models.CredentialShared)
	req := openRequest(t, "wh-1", "SINAL SHORT FORTE")

	first, err := h.engine.Open(context.Background(), req)
	require.NoError(t, err)
	second, err := h.engine.Open(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, h.ex.Placed(), 1)
	assert.Len(t, h.store.all(), 1)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Version, second.Version, "duplicate is returned unchanged")
	assert.Contains(t, h.events.Types(), models.EventDuplicateSuppressed)
	assert.Contains(t, h.events.Types(), models.EventSharedCredential)
	assert.Nil(t, first.CredentialID)
}

func TestOpen_ConcurrentReplaySubmitsOnce(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	req := openRequest(t, "wh-1", "SINAL LONG FORTE")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Open(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.store.all(), 1)
	assert.LessOrEqual(t, len(h.ex.Placed()), 1)
}

func TestOpen_IPWhitelistIsPolicyFailure(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.placeErrs = []error{&exchange.APIError{HTTPStatus: 200, RetCode: exchange.CodeIPNotWhitelisted,
		RetMsg: "Unmatched IP, please check your API key's bound IP addresses."}}

	o, err := h.engine.Open(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
	require.Error(t, err)
	assert.Equal(t, failure.KindExchangeRejected, failure.KindOf(err))
	assert.Equal(t, models.OrderFailedPolicy, o.Status)
	assert.Empty(t, h.store.invalidated, "policy errors never invalidate the credential")
	assert.Contains(t, h.events.Types(), models.EventOrderPolicyBlocked)
	assert.Len(t, h.ex.Placed(), 1)
}

func TestOpen_InvalidKeyInvalidatesIndividualOnly(t *testing.T) {
	for _, branch := range []models.CredentialVariant{models.CredentialIndividual, models.CredentialShared} {
		t.Run(string(branch), func(t *testing.T) {
			h := newHarness(branch)
			h.ex.placeErrs = []error{&exchange.APIError{HTTPStatus: 200, RetCode: exchange.CodeInvalidAPIKey, RetMsg: "API key is invalid."}}

			o, err := h.engine.Open(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
			require.Error(t, err)
			assert.Equal(t, models.OrderRejected, o.Status)
			assert.Equal(t, string(failure.KindExchangeRejected), o.FailureKind)
			if branch == models.CredentialIndividual {
				assert.Equal(t, []int64{11}, h.store.invalidated)
			} else {
				assert.Empty(t, h.store.invalidated)
			}
		})
	}
}

func TestOpen_TransientRetriedThenSubmitted(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.placeErrs = []error{&exchange.APIError{HTTPStatus: 200, RetCode: exchange.CodeRateLimited, RetMsg: "Too many visits!"}}

	o, err := h.engine.Open(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, o.Status)
	assert.Len(t, h.ex.Placed(), 2)
}

func TestOpen_TransientExhaustedLeavesRequested(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	busy := &exchange.APIError{HTTPStatus: 200, RetCode: exchange.CodeServerBusy, RetMsg: "Server Timeout"}
	h.ex.placeErrs = []error{busy, busy, busy}

	o, err := h.engine.Open(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
	require.Error(t, err)
	assert.Equal(t, failure.KindExchangeTransient, failure.KindOf(err))
	assert.Equal(t, models.OrderRequested, o.Status)
}

func TestOpen_FinalAttemptRejectsOrderNeverPlaced(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	busy := &exchange.APIError{HTTPStatus: 200, RetCode: exchange.CodeServerBusy, RetMsg: "Server Timeout"}
	h.ex.placeErrs = []error{busy, busy, busy}
	req := openRequest(t, "wh-1", "SINAL LONG FORTE")
	req.Final = true

	o, err := h.engine.Open(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, models.OrderRejected, o.Status)
	assert.Equal(t, string(failure.KindExchangeTransient), o.FailureKind)
	assert.Contains(t, h.events.Types(), models.EventOrderRejected)

	stored, err := h.store.GetOrderByLinkID(context.Background(), 7, o.OrderLinkID)
	require.NoError(t, err)
	assert.True(t, stored.Status.Terminal())
}

func TestOpen_FinalAttemptAdoptsOrderThatLanded(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.placeErrs = []error{fmt.Errorf("%w: POST /v5/order/create: EOF", exchange.ErrUnknownOutcome)}
	// every lookup inside the submit fails; the settling lookup answers
	h.ex.lookupFails = 3
	req := openRequest(t, "wh-1", "SINAL LONG FORTE")
	req.Final = true

	o, err := h.engine.Open(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, h.ex.Placed(), 1)
	assert.Equal(t, models.OrderFilled, o.Status)
}

func TestOpen_FinalAttemptWithoutLookupStaysRequested(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.placeErrs = []error{fmt.Errorf("%w: POST /v5/order/create: EOF", exchange.ErrUnknownOutcome)}
	h.ex.lookupErr = &exchange.APIError{HTTPStatus: 503, RetMsg: "service unavailable"}
	req := openRequest(t, "wh-1", "SINAL LONG FORTE")
	req.Final = true

	o, err := h.engine.Open(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, models.OrderRequested, o.Status, "an order that may have landed is never rejected blind")
}

func TestSettleRequested(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	ctx := context.Background()
	newRequested := func(signalID, kind string) *models.Order {
		o := &models.Order{
			UserID: 7, SignalID: signalID, OrderLinkID: IdempotencyKey(7, signalID), CredentialKind: kind,
			Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: decimal.RequireFromString("0.01"),
			OrderType: models.OrderTypeMarket, Status: models.OrderRequested,
		}
		_, err := h.store.CreateOrder(ctx, o)
		require.NoError(t, err)
		return o
	}

	absent := newRequested("wh-1", "individual")
	require.NoError(t, h.engine.SettleRequested(ctx, absent))
	assert.Equal(t, models.OrderRejected, absent.Status)
	assert.Equal(t, string(failure.KindTimeout), absent.FailureKind)

	landed := newRequested("wh-2", "individual")
	h.ex.live[landed.OrderLinkID] = &exchange.OrderInfo{OrderID: "ex-9", OrderLinkID: landed.OrderLinkID, OrderStatus: "Filled", AvgPrice: "65000"}
	require.NoError(t, h.engine.SettleRequested(ctx, landed))
	assert.Equal(t, models.OrderFilled, landed.Status)
	assert.Equal(t, "ex-9", landed.ExchangeOrderID)

	elsewhere := newRequested("wh-3", "shared")
	assert.Error(t, h.engine.SettleRequested(ctx, elsewhere))
	assert.Equal(t, models.OrderRequested, elsewhere.Status)
	assert.Empty(t, h.ex.Placed())
}

func TestOpen_UnknownOutcomeAdoptsLandedOrder(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.placeErrs = []error{fmt.Errorf("%w: POST /v5/order/create: context deadline exceeded", exchange.ErrUnknownOutcome)}

	o, err := h.engine.Open(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
	require.NoError(t, err)
	assert.Len(t, h.ex.Placed(), 1, "landed order must not be resubmitted")
	assert.Equal(t, "ex-1", o.ExchangeOrderID)
	assert.Equal(t, models.OrderFilled, o.Status)
}

func TestOpen_UnknownOutcomeWithoutLookupStops(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.placeErrs = []error{fmt.Errorf("%w: POST /v5/order/create: EOF", exchange.ErrUnknownOutcome)}
	h.ex.lookupErr = &exchange.APIError{HTTPStatus: 503, RetMsg: "service unavailable"}

	o, err := h.engine.Open(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	assert.Len(t, h.ex.Placed(), 1)
	assert.Equal(t, models.OrderRequested, o.Status)

	// next attempt reconciles first and adopts the landed order
	h.ex.lookupErr = nil
	o, err = h.engine.Open(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
	require.NoError(t, err)
	assert.Len(t, h.ex.Placed(), 1)
	assert.Equal(t, models.OrderFilled, o.Status)
}

func TestOpen_ZeroBalanceRejectedWithoutSubmit(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.balance = decimal.Zero

	o, err := h.engine.Open(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
	require.Error(t, err)
	assert.Equal(t, failure.KindExchangeRejected, failure.KindOf(err))
	assert.Equal(t, models.OrderRejected, o.Status)
	assert.Empty(t, h.ex.Placed())
}

func TestOpen_CredentialUnavailable(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.engine.resolver = fakeResolver{err: failure.New(failure.KindCredentialUnavailable, "none")}

	o, err := h.engine.Open(context.Background(), openRequest(t, "wh-1", "SINAL LONG FORTE"))
	assert.Nil(t, o)
	assert.Equal(t, failure.KindCredentialUnavailable, failure.KindOf(err))
	assert.Empty(t, h.store.all())
}

func TestOpen_RejectsNonPositiveQuantity(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	req := openRequest(t, "wh-1", "SINAL LONG FORTE")
	req.Quantity = decimal.Zero

	_, err := h.engine.Open(context.Background(), req)
	assert.Equal(t, failure.KindInvalidSignal, failure.KindOf(err))
}

func TestOpen_SerialisesCallsPerCredential(t *testing.T) {
	h := newHarness(models.CredentialShared)
	h.ex.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Open(context.Background(), openRequest(t, fmt.Sprintf("wh-%d", i), "SINAL LONG FORTE"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.ex.Placed(), 6)
	assert.False(t, h.ex.overlap.Load(), "two submits for one credential overlapped")
}

func TestTransition_StaleVersionRefused(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	o := &models.Order{UserID: 7, OrderLinkID: "ol1", Symbol: "BTCUSDT", Side: models.SideBuy, Status: models.OrderRequested}
	_, err := h.store.CreateOrder(context.Background(), o)
	require.NoError(t, err)

	h.store.staleOnce = true
	err = h.engine.transition(context.Background(), o, models.OrderSubmitted, database.OrderUpdate{})
	assert.ErrorIs(t, err, database.ErrStaleVersion)
	assert.Equal(t, int64(2), o.Version, "order reloaded to the winning version")
	assert.Equal(t, models.OrderRequested, o.Status)
}

func TestTransition_IllegalEdge(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	o := &models.Order{Status: models.OrderClosed}
	assert.Error(t, h.engine.transition(context.Background(), o, models.OrderFilled, database.OrderUpdate{}))
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestClose_UsesCurrentPositionSize(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	_, err := h.engine.Open(context.Background(), openRequest(t, "wh-open", "SINAL LONG FORTE"))
	require.NoError(t, err)

	h.ex.positions = []models.Position{{
		Symbol: "BTCUSDT", Side: models.SideBuy,
		Size: decimal.RequireFromString("0.01"), UnrealisedPnl: decimal.RequireFromString("4.2"),
	}}

	o, err := h.engine.Execute(context.Background(), openRequest(t, "wh-close", "FECHE LONG"))
	require.NoError(t, err)
	require.NotNil(t, o)

	placed := h.ex.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, "Sell", placed[1].Side)
	assert.True(t, placed[1].ReduceOnly)
	assert.Equal(t, "0.01", placed[1].Qty)

	open, err := h.store.GetOrderByLinkID(context.Background(), 7, IdempotencyKey(7, "wh-open"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderClosed, open.Status)
	assert.True(t, open.Pnl.Equal(decimal.RequireFromString("4.2")))
	assert.Contains(t, h.events.Types(), models.EventOrderClosed)
}

func TestClose_PartialFillSizeFromExchange(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.positions = []models.Position{{Symbol: "BTCUSDT", Side: models.SideSell, Size: decimal.RequireFromString("0.004")}}

	o, err := h.engine.Close(context.Background(), openRequest(t, "wh-close", "FECHE SHORT"))
	require.NoError(t, err)
	assert.Equal(t, models.SideBuy, o.Side)
	assert.True(t, o.Quantity.Equal(decimal.RequireFromString("0.004")))
}

func TestClose_NoPositionIsNoop(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.positions = []models.Position{{Symbol: "BTCUSDT", Side: models.SideSell, Size: decimal.NewFromInt(1)}}

	o, err := h.engine.Close(context.Background(), openRequest(t, "wh-close", "FECHE LONG"))
	assert.NoError(t, err)
	assert.Nil(t, o)
	assert.Empty(t, h.ex.Placed())
	assert.Empty(t, h.store.all())
}

func TestClose_PositionVanishedBeforeSubmit(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.positions = []models.Position{{Symbol: "BTCUSDT", Side: models.SideBuy, Size: decimal.RequireFromString("0.01")}}
	h.ex.placeErrs = []error{&exchange.APIError{HTTPStatus: 200, RetCode: exchange.CodeReduceOnlyNoPos,
		RetMsg: "current position is zero, cannot fix reduce-only order qty"}}

	o, err := h.engine.Close(context.Background(), openRequest(t, "wh-close", "FECHE LONG"))
	assert.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, o.Status)
}

func TestClose_RetryAfterPositionGoneCancelsRequestedClose(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.positions = []models.Position{{Symbol: "BTCUSDT", Side: models.SideBuy, Size: decimal.RequireFromString("0.01")}}
	busy := &exchange.APIError{HTTPStatus: 200, RetCode: exchange.CodeServerBusy, RetMsg: "Server Timeout"}
	h.ex.placeErrs = []error{busy, busy, busy}

	o, err := h.engine.Close(context.Background(), openRequest(t, "wh-close", "FECHE LONG"))
	require.Error(t, err)
	require.Equal(t, models.OrderRequested, o.Status)

	// flattened elsewhere before the retry
	h.ex.positions = nil
	o, err = h.engine.Close(context.Background(), openRequest(t, "wh-close", "FECHE LONG"))
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, models.OrderCancelled, o.Status)
	assert.Equal(t, "no position to reduce", o.FailureMsg)
	assert.Len(t, h.ex.Placed(), 3)
}

func TestClose_RetryAfterPositionGoneAdoptsLandedClose(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	_, err := h.engine.Open(context.Background(), openRequest(t, "wh-open", "SINAL LONG FORTE"))
	require.NoError(t, err)
	h.ex.positions = []models.Position{{Symbol: "BTCUSDT", Side: models.SideBuy, Size: decimal.RequireFromString("0.01")}}
	h.ex.placeErrs = []error{fmt.Errorf("%w: POST /v5/order/create: EOF", exchange.ErrUnknownOutcome)}
	h.ex.lookupErr = &exchange.APIError{HTTPStatus: 503, RetMsg: "service unavailable"}

	o, err := h.engine.Close(context.Background(), openRequest(t, "wh-close", "FECHE LONG"))
	require.Error(t, err)
	require.Equal(t, models.OrderRequested, o.Status)

	// the close landed, so the position is flat on the retry
	h.ex.positions = nil
	h.ex.lookupErr = nil
	o, err = h.engine.Close(context.Background(), openRequest(t, "wh-close", "FECHE LONG"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, o.Status)
	assert.Len(t, h.ex.Placed(), 2)

	open, err := h.store.GetOrderByLinkID(context.Background(), 7, IdempotencyKey(7, "wh-open"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderClosed, open.Status)
}

func TestClose_SharedCredentialClosesOnlyAttributedQuantity(t *testing.T) {
	h := newHarness(models.CredentialShared)
	ctx := context.Background()
	_, err := h.engine.Open(ctx, openRequest(t, "wh-open", "SINAL LONG FORTE"))
	require.NoError(t, err)
	other := openRequest(t, "wh-open", "SINAL LONG FORTE")
	other.UserID = 8
	other.Quantity = decimal.RequireFromString("0.02")
	_, err = h.engine.Open(ctx, other)
	require.NoError(t, err)

	// the pooled account holds both users' entries
	h.ex.positions = []models.Position{{
		Symbol: "BTCUSDT", Side: models.SideBuy,
		Size: decimal.RequireFromString("0.03"), UnrealisedPnl: decimal.RequireFromString("3"),
	}}
	o, err := h.engine.Close(ctx, openRequest(t, "wh-close", "FECHE LONG"))
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.True(t, o.Quantity.Equal(decimal.RequireFromString("0.01")))

	mine, err := h.store.GetOrderByLinkID(ctx, 7, IdempotencyKey(7, "wh-open"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderClosed, mine.Status)
	assert.True(t, mine.Pnl.Equal(decimal.NewFromInt(1)))
	theirs, err := h.store.GetOrderByLinkID(ctx, 8, IdempotencyKey(8, "wh-open"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, theirs.Status)

	// a user with nothing in the pool closes nothing
	stranger := openRequest(t, "wh-close", "FECHE LONG")
	stranger.UserID = 9
	o, err = h.engine.Close(ctx, stranger)
	require.NoError(t, err)
	assert.Nil(t, o)
	assert.Len(t, h.ex.Placed(), 3)
}

func TestClose_CancelsRestingEntries(t *testing.T) {
	h := newHarness(models.CredentialIndividual)
	h.ex.fillState = "New"
	_, err := h.engine.Open(context.Background(), openRequest(t, "wh-open", "SINAL LONG FORTE"))
	require.NoError(t, err)
	entry, err := h.store.GetOrderByLinkID(context.Background(), 7, IdempotencyKey(7, "wh-open"))
	require.NoError(t, err)
	require.Equal(t, models.OrderSubmitted, entry.Status)

	o, err := h.engine.Close(context.Background(), openRequest(t, "wh-close", "FECHE LONG"))
	require.NoError(t, err)
	assert.Nil(t, o, "nothing filled, so there is no position to flatten")

	assert.Equal(t, []string{entry.OrderLinkID}, h.ex.cancelled)
	entry, err = h.store.GetOrderByLinkID(context.Background(), 7, entry.OrderLinkID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, entry.Status)
	assert.Contains(t, entry.FailureMsg, "wh-close")
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey(7, "wh-1")
	assert.Equal(t, a, IdempotencyKey(7, "wh-1"))
	assert.NotEqual(t, a, IdempotencyKey(8, "wh-1"))
	assert.NotEqual(t, a, IdempotencyKey(7, "wh-2"))
	assert.LessOrEqual(t, len(a), 36)
	assert.NoError(t, exchange.ValidateMaterial("orderLinkId", a))
}
