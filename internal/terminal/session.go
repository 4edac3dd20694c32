// Package terminal реализует сессию терминала: подписку на канал уведомлений,
// очередь оповещений о web-заказах и команды оператора.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/notify"
	"github.com/mmeshcher/orderdesk/internal/service"
	"github.com/mmeshcher/orderdesk/internal/stock"
)

// API описывает вызовы сервера, которые выполняет терминал.
type API interface {
	ListOrders(ctx context.Context, branchID string, statuses ...model.OrderStatus) ([]model.Order, error)
	ListDrafts(ctx context.Context, branchID string) ([]model.Order, error)
	ListProducts(ctx context.Context, branchID, excludeOrderID string) ([]model.Product, error)
	ProductStock(ctx context.Context, productID, excludeOrderID string) (decimal.Decimal, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	AcceptOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateItems(ctx context.Context, id string, items []service.ItemInput) (*model.Order, error)
	SaveDraft(ctx context.Context, id string, in service.OrderInput) (*model.Order, error)
	ResumeDraft(ctx context.Context, id string) (*model.Order, error)
	DeleteDraft(ctx context.Context, id string) error
	FinalizeDraft(ctx context.Context, id string, p model.Payment) (*model.Order, error)
}

// Printer печатает кухонный тикет заказа.
type Printer interface {
	Print(ctx context.Context, o *model.Order) error
}

// LogPrinter «печатает» тикет в лог.
type LogPrinter struct {
	Logger *zap.Logger
}

// Print пишет в лог номер и позиции заказа.
func (p LogPrinter) Print(ctx context.Context, o *model.Order) error {
	items := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, fmt.Sprintf("%s x%s", it.ProductName, it.Quantity))
	}
	p.Logger.Info("ticket", zap.Int64("number", o.Number), zap.Strings("items", items))
	return nil
}

// Options настраивает сессию терминала.
type Options struct {
	// BranchID фильтрует списки заказов; пустое значение означает все филиалы.
	BranchID   string
	AutoAccept bool
	Printer    Printer
	Logger     *zap.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// State содержит снимок состояния сессии.
type State struct {
	Connected bool
	Pending   []model.Order
	Active    []model.Order
	Drafts    []model.Order
	Products  []model.Product
	OpenDraft *model.Order
	Alerts    []model.Order
	Stale     []string
}

// ErrNoOpenDraft возвращается командами черновика, когда черновик не открыт.
var ErrNoOpenDraft = fmt.Errorf("%w: no open draft", model.ErrValidation)

// Session держит локальные списки заказов терминала и поддерживает их актуальными
// по событиям канала уведомлений. События считаются подсказкой к перезапросу,
// а не источником данных.
type Session struct {
	api    API
	dialer Dialer
	opts   Options
	logger *zap.Logger

	mu           sync.Mutex
	connected    bool
	pending      []model.Order
	active       []model.Order
	drafts       []model.Order
	products     []model.Product
	openDraft    *model.Order
	alerts       []model.Order
	acknowledged map[string]struct{}
	stale        map[string]struct{}
	resyncs      int
}

// NewSession создаёт сессию терминала.
func NewSession(api API, dialer Dialer, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Printer == nil {
		opts.Printer = LogPrinter{Logger: opts.Logger}
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}

	return &Session{
		api:          api,
		dialer:       dialer,
		opts:         opts,
		logger:       opts.Logger,
		acknowledged: make(map[string]struct{}),
		stale:        make(map[string]struct{}),
	}
}

// localSets перечисляет наборы данных, которые терминал хранит локально.
var localSets = []string{notify.SetPendingOrders, notify.SetActiveOrders, notify.SetDrafts, notify.SetProducts}

// Run подключается к каналу уведомлений и обрабатывает события до отмены ctx.
// После каждого подключения выполняется полная сверка списков, так как пропущенные
// за время разрыва события не повторяются. Обрывы не считаются ошибкой сессии.
func (s *Session) Run(ctx context.Context) error {
	delay := s.opts.MinBackoff

	for {
		stream, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("notification feed unavailable", zap.Error(err), zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return nil
			}
			delay = min(delay*2, s.opts.MaxBackoff)
			continue
		}
		delay = s.opts.MinBackoff

		s.setConnected(true)
		s.resync(ctx)

		err = s.consume(ctx, stream)
		_ = stream.Close()
		s.setConnected(false)

		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("notification feed lost, reconnecting", zap.Error(err))
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Session) resync(ctx context.Context) {
	s.mu.Lock()
	s.resyncs++
	s.mu.Unlock()

	s.markStale(localSets...)
	s.Refresh(ctx)
}

func (s *Session) consume(ctx context.Context, stream Stream) error {
	for {
		e, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		s.handle(ctx, e)
	}
}

// handle применяет событие: помечает объявленные наборы устаревшими, ставит оповещение
// о новом web-заказе и перезапрашивает устаревшие списки.
func (s *Session) handle(ctx context.Context, e notify.Event) {
	sets := e.Invalidates
	if len(sets) == 0 {
		sets = notify.NewEvent(e.Event, nil).Invalidates
	}
	s.markStale(sets...)

	switch e.Event {
	case notify.EventWebOrderCreated:
		if e.Order != nil && e.Order.Status == model.OrderStatusPending {
			if s.addAlert(*e.Order) {
				s.logger.Info("new web order", zap.String("order", e.Order.ID), zap.Int64("number", e.Order.Number))
			}
		}
	case notify.EventOrderAccepted, notify.EventOrderCancelled:
		if e.Order != nil {
			s.dropAlert(e.Order.ID)
		}
	}

	s.Refresh(ctx)

	if e.Event == notify.EventWebOrderCreated && s.opts.AutoAccept && e.Order != nil {
		if _, err := s.Accept(ctx, e.Order.ID); err != nil {
			s.logger.Info("auto-accept skipped", zap.String("order", e.Order.ID), zap.Error(err))
		}
	}
}

func (s *Session) markStale(sets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range sets {
		s.stale[set] = struct{}{}
	}
}

func (s *Session) takeStale() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	taken := s.stale
	s.stale = make(map[string]struct{})
	return taken
}

// Refresh перезапрашивает устаревшие списки. Ошибка загрузки оставляет набор устаревшим.
func (s *Session) Refresh(ctx context.Context) {
	for set := range s.takeStale() {
		var err error
		switch set {
		case notify.SetPendingOrders:
			var orders []model.Order
			if orders, err = s.api.ListOrders(ctx, s.opts.BranchID, model.OrderStatusPending); err == nil {
				s.setPending(orders)
			}
		case notify.SetActiveOrders:
			var orders []model.Order
			if orders, err = s.api.ListOrders(ctx, s.opts.BranchID, model.OrderStatusActive); err == nil {
				s.setActive(orders)
			}
		case notify.SetDrafts:
			var drafts []model.Order
			if drafts, err = s.api.ListDrafts(ctx, s.opts.BranchID); err == nil {
				s.mu.Lock()
				s.drafts = drafts
				s.mu.Unlock()
			}
		case notify.SetProducts:
			var products []model.Product
			if products, err = s.api.ListProducts(ctx, s.opts.BranchID, s.openDraftID()); err == nil {
				s.mu.Lock()
				s.products = products
				s.mu.Unlock()
			}
		}
		if err != nil {
			s.logger.Warn("refresh failed", zap.String("set", set), zap.Error(err))
			s.markStale(set)
		}
	}
}

func (s *Session) openDraftID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openDraft == nil {
		return ""
	}
	return s.openDraft.ID
}

// Available возвращает остаток товара по последней загрузке каталога, а для товара,
// которого в ней нет, запрашивает его у сервера. Резерв открытого черновика не вычитается.
func (s *Session) Available(ctx context.Context, productID string) (decimal.Decimal, error) {
	s.mu.Lock()
	for _, p := range s.products {
		if p.ID == productID {
			s.mu.Unlock()
			return stock.Quantity(p), nil
		}
	}
	s.mu.Unlock()

	return s.api.ProductStock(ctx, productID, s.openDraftID())
}

// setPending обновляет список pending и пересобирает оповещения по нему: остаются
// неподтверждённые web-заказы из списка, в том числе пропущенные во время разрыва соединения.
// Заказы, ушедшие из pending (приняты или отменены), теряют оповещение.
func (s *Session) setPending(orders []model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = orders

	pending := make(map[string]model.Order, len(orders))
	for _, o := range orders {
		if o.Channel == model.ChannelWeb {
			pending[o.ID] = o
		}
	}

	alerts := make([]model.Order, 0, len(pending))
	for _, a := range s.alerts {
		if o, ok := pending[a.ID]; ok {
			alerts = append(alerts, o)
			delete(pending, a.ID)
		}
	}
	for _, o := range orders {
		if _, ok := pending[o.ID]; !ok {
			continue
		}
		if _, ok := s.acknowledged[o.ID]; ok {
			continue
		}
		alerts = append(alerts, o)
	}
	s.alerts = alerts
}

func (s *Session) setActive(orders []model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = orders
	active := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		active[o.ID] = struct{}{}
	}
	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if _, ok := active[a.ID]; !ok {
			kept = append(kept, a)
		}
	}
	s.alerts = kept
}

func (s *Session) addAlert(o model.Order) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.acknowledged[o.ID]; ok {
		return false
	}
	for _, a := range s.alerts {
		if a.ID == o.ID {
			return false
		}
	}
	s.alerts = append(s.alerts, o)
	return true
}

func (s *Session) dropAlert(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, a := range s.alerts {
		if a.ID == id {
			s.alerts = append(s.alerts[:i], s.alerts[i+1:]...)
			return
		}
	}
}

// Acknowledge снимает оповещение о заказе. Повторно оно не поднимается.
func (s *Session) Acknowledge(id string) {
	s.mu.Lock()
	s.acknowledged[id] = struct{}{}
	s.mu.Unlock()
	s.dropAlert(id)
}

// recover перезапрашивает состояние после неудачной команды.
func (s *Session) recover(ctx context.Context, op string, err error, sets ...string) {
	s.logger.Info(op+" failed, refreshing", zap.Error(err))
	s.markStale(sets...)
	s.Refresh(ctx)
}

// Accept принимает web-заказ. Отказ сервера (например, заказ уже отменён другим
// терминалом) приводит к перезапросу списков, ошибка возвращается вызывающему.
func (s *Session) Accept(ctx context.Context, id string) (*model.Order, error) {
	o, err := s.api.AcceptOrder(ctx, id)
	if err != nil {
		s.recover(ctx, "accept", err, notify.SetPendingOrders, notify.SetActiveOrders)
		return nil, err
	}

	s.Acknowledge(id)
	s.mu.Lock()
	s.pending = withoutOrder(s.pending, id)
	s.active = upsertOrder(s.active, *o)
	s.mu.Unlock()

	s.markStale(notify.SetPendingOrders, notify.SetActiveOrders)
	s.Refresh(ctx)
	return o, nil
}

// Print печатает тикет по актуальному состоянию заказа.
func (s *Session) Print(ctx context.Context, id string) error {
	o, err := s.api.GetOrder(ctx, id)
	if err != nil {
		s.recover(ctx, "print", err, notify.SetPendingOrders, notify.SetActiveOrders)
		return err
	}
	return s.opts.Printer.Print(ctx, o)
}

// EditItems заменяет позиции заказа на сервере.
func (s *Session) EditItems(ctx context.Context, id string, items []service.ItemInput) (*model.Order, error) {
	o, err := s.api.UpdateItems(ctx, id, items)
	if err != nil {
		s.recover(ctx, "edit items", err, localSets...)
		return nil, err
	}

	s.mu.Lock()
	if s.openDraft != nil && s.openDraft.ID == o.ID {
		s.openDraft = o.Clone()
	}
	s.mu.Unlock()

	s.markStale(notify.SetPendingOrders, notify.SetActiveOrders)
	s.Refresh(ctx)
	return o, nil
}

// SaveDraft сохраняет открытый черновик или создаёт новый и делает его открытым.
func (s *Session) SaveDraft(ctx context.Context, in service.OrderInput) (*model.Order, error) {
	id := s.openDraftID()
	if in.BranchID == "" {
		in.BranchID = s.opts.BranchID
	}

	o, err := s.api.SaveDraft(ctx, id, in)
	if err != nil {
		if id != "" && errors.Is(err, model.ErrNotFound) {
			s.closeDraft(id)
		}
		s.recover(ctx, "save draft", err, notify.SetDrafts)
		return nil, err
	}

	s.mu.Lock()
	s.openDraft = o.Clone()
	s.drafts = upsertOrder(s.drafts, *o)
	s.mu.Unlock()

	s.markStale(notify.SetDrafts, notify.SetProducts)
	s.Refresh(ctx)
	return o, nil
}

// ResumeDraft открывает черновик для редактирования.
func (s *Session) ResumeDraft(ctx context.Context, id string) (*model.Order, error) {
	o, err := s.api.ResumeDraft(ctx, id)
	if err != nil {
		s.recover(ctx, "resume draft", err, notify.SetDrafts)
		return nil, err
	}

	s.mu.Lock()
	s.openDraft = o.Clone()
	s.mu.Unlock()

	s.markStale(notify.SetProducts)
	s.Refresh(ctx)
	return o, nil
}

// CloseDraft закрывает открытый черновик, не меняя его на сервере.
func (s *Session) CloseDraft() {
	s.mu.Lock()
	s.openDraft = nil
	s.mu.Unlock()
}

func (s *Session) closeDraft(id string) {
	s.mu.Lock()
	if s.openDraft != nil && s.openDraft.ID == id {
		s.openDraft = nil
	}
	s.mu.Unlock()
}

// DeleteDraft удаляет черновик. Локальный список меняется только после подтверждения сервера.
func (s *Session) DeleteDraft(ctx context.Context, id string) error {
	if err := s.api.DeleteDraft(ctx, id); err != nil {
		s.recover(ctx, "delete draft", err, notify.SetDrafts)
		return err
	}

	s.closeDraft(id)
	s.mu.Lock()
	s.drafts = withoutOrder(s.drafts, id)
	s.mu.Unlock()

	s.markStale(notify.SetProducts)
	s.Refresh(ctx)
	return nil
}

// FinalizeDraft фиксирует оплату открытого черновика. Если исход вызова неизвестен
// (обрыв, таймаут), состояние перезапрашивается вместо повторной финализации.
func (s *Session) FinalizeDraft(ctx context.Context, p model.Payment) (*model.Order, error) {
	s.mu.Lock()
	draft := s.openDraft
	s.mu.Unlock()
	if draft == nil {
		return nil, ErrNoOpenDraft
	}

	o, err := s.api.FinalizeDraft(ctx, draft.ID, p)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			if cur, getErr := s.api.GetOrder(ctx, draft.ID); getErr == nil && cur.Status != model.OrderStatusDraft {
				o, err = cur, nil
			}
		}
	}
	if err != nil {
		s.recover(ctx, "finalize draft", err, notify.SetDrafts)
		return nil, err
	}

	s.closeDraft(draft.ID)
	s.mu.Lock()
	s.drafts = withoutOrder(s.drafts, draft.ID)
	s.mu.Unlock()

	s.markStale(notify.SetDrafts, notify.SetActiveOrders, notify.SetProducts)
	s.Refresh(ctx)
	return o, nil
}

// State возвращает копию текущего состояния сессии.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Connected: s.connected,
		Pending:   cloneOrders(s.pending),
		Active:    cloneOrders(s.active),
		Drafts:    cloneOrders(s.drafts),
		Products:  append([]model.Product(nil), s.products...),
		OpenDraft: s.openDraft.Clone(),
		Alerts:    cloneOrders(s.alerts),
	}
	for set := range s.stale {
		st.Stale = append(st.Stale, set)
	}
	return st
}

// Resyncs возвращает число полных сверок, выполненных после подключений.
func (s *Session) Resyncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncs
}

func cloneOrders(list []model.Order) []model.Order {
	res := make([]model.Order, 0, len(list))
	for i := range list {
		res = append(res, *list[i].Clone())
	}
	return res
}

func withoutOrder(list []model.Order, id string) []model.Order {
	res := make([]model.Order, 0, len(list))
	for _, o := range list {
		if o.ID != id {
			res = append(res, o)
		}
	}
	return res
}

func upsertOrder(list []model.Order, o model.Order) []model.Order {
	for i := range list {
		if list[i].ID == o.ID {
			res := append([]model.Order(nil), list...)
			res[i] = o
			return res
		}
	}
	return append([]model.Order{o}, list...)
}
