package heroes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Queued action types replayed by the Reconciler's handlers.
const (
	ActionCreateRequest   = "request.create"
	ActionCancelRequest   = "request.cancel"
	ActionStartRequest    = "request.start"
	ActionCompleteRequest = "request.complete"
)

// EarningsLedger credits a provider when a request completes.
type EarningsLedger interface {
	Credit(ctx context.Context, providerID, requestID string, amount decimal.Decimal) error
}

// ============================================================================
// Records
// ============================================================================

// requestRecord is either confirmedRequest (backend origin) or
// provisionalRequest (local origin). Only confirmedRequest values are built
// from backend data, so status changes only enter through that variant.
type requestRecord interface {
	view() RequestView
}

type confirmedRequest struct {
	req ServiceRequest
}

func (c confirmedRequest) view() RequestView {
	return RequestView{ServiceRequest: c.req}
}

// provisionalRequest is a locally created request not yet acknowledged.
// Its ID is a temporary id.
type provisionalRequest struct {
	req    ServiceRequest
	queued bool
	err    *Error
}

func (p provisionalRequest) view() RequestView {
	return RequestView{ServiceRequest: p.req, Provisional: true, Queued: p.queued, Failed: p.err != nil, Err: p.err}
}

// RequestView is a read-only snapshot of one request for the UI.
type RequestView struct {
	ServiceRequest
	Provisional bool
	// Queued is set while a mutation for this request waits in the offline queue.
	Queued bool
	Failed bool
	Err    *Error
}

type partition int

const (
	partActive partition = iota
	partHistory
	partAvailable
	partCount
)

// ============================================================================
// Reconciler
// ============================================================================

// ReconcilerOptions configures the Reconciler.
type ReconcilerOptions struct {
	Retry RetryPolicy
	// Queue receives mutations that fail with a network error. Optional.
	Queue  *OfflineQueue
	Ledger EarningsLedger
	Logger *logrus.Logger
	// Online reports connectivity; while false, mutations go straight to Queue.
	Online   func() bool
	OnChange func()
	Now      func() time.Time
}

func (o *ReconcilerOptions) defaults() {
	if o.Logger == nil {
		o.Logger = NewLogger()
	}
	if o.Online == nil {
		o.Online = func() bool { return true }
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Reconciler keeps the active, history and available request views
// consistent with the backend.
type Reconciler struct {
	backend Backend
	opts    ReconcilerOptions

	mu         sync.Mutex
	userID     string
	role       Role
	parts      [partCount]map[string]requestRecord
	interacted map[string]bool
	queuedOps  map[string]string
	sub        *Subscription
	gen        uint64
}

// NewReconciler creates an empty reconciler over backend.
func NewReconciler(backend Backend, opts *ReconcilerOptions) *Reconciler {
	r := &Reconciler{backend: backend}
	if opts != nil {
		r.opts = *opts
	}
	r.opts.defaults()
	r.resetLocked()
	return r
}

func (r *Reconciler) resetLocked() {
	for i := range r.parts {
		r.parts[i] = make(map[string]requestRecord)
	}
	r.interacted = make(map[string]bool)
	r.queuedOps = make(map[string]string)
}

// setIdentity switches user/role, dropping state that belonged to another one.
func (r *Reconciler) setIdentity(userID string, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userID == userID && r.role == role {
		return
	}
	r.userID, r.role = userID, role
	r.resetLocked()
}

func (r *Reconciler) notify() {
	if r.opts.OnChange != nil {
		r.opts.OnChange()
	}
}

// ── Snapshots ────────────────────────────────────────────

// Active returns pending, assigned and active requests.
func (r *Reconciler) Active() []RequestView { return r.snapshot(partActive) }

// History returns completed and cancelled requests.
func (r *Reconciler) History() []RequestView { return r.snapshot(partHistory) }

// Available returns open requests a provider may accept. Always empty for requesters.
func (r *Reconciler) Available() []RequestView { return r.snapshot(partAvailable) }

// Get looks a request up by id (or temporary id) in any collection.
func (r *Reconciler) Get(id string) (RequestView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, _, ok := r.findLocked(id)
	if !ok {
		return RequestView{}, false
	}
	return r.viewLocked(rec), true
}

func (r *Reconciler) snapshot(p partition) []RequestView {
	r.mu.Lock()
	out := make([]RequestView, 0, len(r.parts[p]))
	for _, rec := range r.parts[p] {
		out = append(out, r.viewLocked(rec))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Reconciler) viewLocked(rec requestRecord) RequestView {
	v := rec.view()
	if _, ok := r.queuedOps[v.ID]; ok {
		v.Queued = true
	}
	return v
}

// ── State primitives (caller holds r.mu) ─────────────────

func (r *Reconciler) findLocked(id string) (requestRecord, partition, bool) {
	for p := partition(0); p < partCount; p++ {
		if rec, ok := r.parts[p][id]; ok {
			return rec, p, true
		}
	}
	return nil, 0, false
}

func (r *Reconciler) removeLocked(id string) {
	for p := range r.parts {
		delete(r.parts[p], id)
	}
}

// classifyLocked picks the collection a backend record belongs in for the
// current user, or false when the record is not visible to them. held is
// set when the user already tracks the record as active or history.
func (r *Reconciler) classifyLocked(req ServiceRequest, held bool) (partition, bool) {
	if !req.Status.Known() {
		return 0, false
	}
	if r.role == RoleProvider {
		if req.ProviderID != "" && req.ProviderID != r.userID {
			return 0, false
		}
		if req.Unassigned() {
			if r.interacted[req.ID] {
				return partActive, true
			}
			return partAvailable, true
		}
		// Cancellation clears the provider; only keep it for providers
		// who were involved.
		if req.ProviderID == "" && !held && !r.interacted[req.ID] {
			return 0, false
		}
	} else if r.userID != "" && req.RequesterID != r.userID {
		return 0, false
	}
	if req.Status.Terminal() {
		return partHistory, true
	}
	return partActive, true
}

// applyConfirmedLocked replaces whatever copy of req.ID exists with the
// backend version.
func (r *Reconciler) applyConfirmedLocked(req ServiceRequest) {
	_, inActive := r.parts[partActive][req.ID]
	_, inHistory := r.parts[partHistory][req.ID]
	r.removeLocked(req.ID)
	delete(r.queuedOps, req.ID)
	if p, ok := r.classifyLocked(req, inActive || inHistory); ok {
		r.parts[p][req.ID] = confirmedRequest{req: req}
	}
}

// ── Loading and streaming ────────────────────────────────

// Load fetches the user's requests (and, for providers, the open ones) and
// rebuilds the collections in one step. Unsynced provisional records survive.
func (r *Reconciler) Load(ctx context.Context, userID string, role Role) error {
	r.setIdentity(userID, role)

	own, err := RetryValue(ctx, r.opts.Retry, func(ctx context.Context) ([]ServiceRequest, error) {
		return r.backend.ListRequests(ctx, userID, role)
	})
	if err != nil {
		return Classify(err)
	}
	var open []ServiceRequest
	if role == RoleProvider {
		open, err = RetryValue(ctx, r.opts.Retry, func(ctx context.Context) ([]ServiceRequest, error) {
			return r.backend.ListAvailableRequests(ctx, userID)
		})
		if err != nil {
			return Classify(err)
		}
	}

	r.mu.Lock()
	if r.userID != userID || r.role != role {
		r.mu.Unlock()
		return nil
	}
	var fresh [partCount]map[string]requestRecord
	for i := range fresh {
		fresh[i] = make(map[string]requestRecord)
	}
	for id, rec := range r.parts[partActive] {
		if _, ok := rec.(provisionalRequest); ok {
			fresh[partActive][id] = rec
		}
	}
	if role == RoleProvider {
		for _, req := range own {
			if req.ProviderID == "" {
				r.interacted[req.ID] = true
			}
		}
	}
	r.parts = fresh
	for _, req := range own {
		r.applyConfirmedLocked(req)
	}
	for _, req := range open {
		if _, _, dup := r.findLocked(req.ID); !dup {
			r.applyConfirmedLocked(req)
		}
	}
	r.mu.Unlock()

	r.notify()
	return nil
}

// Subscribe attaches to the backend change stream for (userID, role),
// tearing down any previous subscription first.
func (r *Reconciler) Subscribe(ctx context.Context, userID string, role Role) error {
	r.Unsubscribe()
	r.setIdentity(userID, role)

	topic := Topic{Kind: TopicRequests, UserID: userID, Role: role}
	sub, err := RetryValue(ctx, r.opts.Retry, func(ctx context.Context) (*Subscription, error) {
		return r.backend.SubscribeChanges(ctx, topic)
	})
	if err != nil {
		return Classify(err)
	}

	r.mu.Lock()
	if r.sub != nil {
		// A concurrent Subscribe won; keep exactly one stream.
		r.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	r.gen++
	gen := r.gen
	r.sub = sub
	r.mu.Unlock()

	go r.consume(sub, gen)
	return nil
}

// Unsubscribe detaches from the change stream. Safe to call at any time.
func (r *Reconciler) Unsubscribe() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.gen++
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

func (r *Reconciler) consume(sub *Subscription, gen uint64) {
	for {
		select {
		case <-sub.Done():
			return
		case ev := <-sub.C():
			r.mu.Lock()
			if r.gen != gen {
				r.mu.Unlock()
				return
			}
			changed := r.mergeLocked(ev)
			r.mu.Unlock()
			if changed {
				r.notify()
			}
		}
	}
}

// Apply merges one change event into local state. Events normally arrive
// through Subscribe; Apply lets hosts feed events from their own transport.
func (r *Reconciler) Apply(ev ChangeEvent) {
	r.mu.Lock()
	changed := r.mergeLocked(ev)
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

func (r *Reconciler) mergeLocked(ev ChangeEvent) bool {
	req, err := ev.DecodeRequest()
	if err != nil {
		logError(r.opts.Logger, "reconciler", "merge", "decode change event", string(ev.Type), err)
		return false
	}
	switch ev.Type {
	case EventInsert:
		if _, _, ok := r.findLocked(req.ID); ok {
			return false
		}
		// The echo of an in-flight create replaces its provisional copy.
		tempID, superseded := r.pendingCreateLocked(req)
		if superseded {
			delete(r.parts[partActive], tempID)
		}
		if p, ok := r.classifyLocked(req, false); ok {
			r.parts[p][req.ID] = confirmedRequest{req: req}
			return true
		}
		return superseded
	case EventUpdate:
		r.applyConfirmedLocked(req)
		return true
	case EventDelete:
		r.removeLocked(req.ID)
		delete(r.queuedOps, req.ID)
		return true
	}
	logWarn(r.opts.Logger, "reconciler", "merge", "unknown event type",
		logrus.Fields{"type": ev.Type, "requestId": req.ID})
	return false
}

// pendingCreateLocked finds the oldest in-flight provisional create with
// the same content as req. Queued and failed records never match.
func (r *Reconciler) pendingCreateLocked(req ServiceRequest) (string, bool) {
	var best *ServiceRequest
	for _, rec := range r.parts[partActive] {
		p, ok := rec.(provisionalRequest)
		if !ok || p.queued || p.err != nil || !sameCreate(p.req, req) {
			continue
		}
		if best == nil || p.req.CreatedAt.Before(best.CreatedAt) ||
			(p.req.CreatedAt.Equal(best.CreatedAt) && p.req.ID < best.ID) {
			cand := p.req
			best = &cand
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

func sameCreate(a, b ServiceRequest) bool {
	return a.RequesterID == b.RequesterID &&
		a.Category == b.Category &&
		a.Title == b.Title &&
		a.Location == b.Location &&
		a.ScheduledAt.Equal(b.ScheduledAt) &&
		a.DurationMinutes == b.DurationMinutes
}

// ── Mutations ────────────────────────────────────────────

type createPayload struct {
	TempID string             `json:"tempId"`
	Input  CreateRequestInput `json:"input"`
}

type transitionPayload struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Create posts a new request. The returned view is provisional until the
// backend confirms it; when the backend is unreachable the request is
// queued and the view stays provisional with Queued set.
func (r *Reconciler) Create(ctx context.Context, in CreateRequestInput) (RequestView, error) {
	r.mu.Lock()
	if in.RequesterID == "" {
		in.RequesterID = r.userID
	}
	r.mu.Unlock()

	if err := ValidateCreateRequest(in); err != nil {
		return RequestView{}, Classify(err)
	}

	now := r.opts.Now()
	tempID := "tmp-" + uuid.NewString()
	prov := provisionalRequest{req: ServiceRequest{
		ID:              tempID,
		RequesterID:     in.RequesterID,
		Category:        in.Category,
		Title:           in.Title,
		Description:     in.Description,
		Location:        in.Location,
		ScheduledAt:     in.ScheduledAt,
		DurationMinutes: in.DurationMinutes,
		Budget:          in.Budget,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}}
	r.mu.Lock()
	r.parts[partActive][tempID] = prov
	r.mu.Unlock()
	r.notify()

	if !r.opts.Online() {
		return r.enqueueCreate(ctx, prov, in, Classify(ErrOffline))
	}

	created, err := RetryValue(ctx, r.opts.Retry, func(ctx context.Context) (ServiceRequest, error) {
		return r.backend.CreateRequest(ctx, in)
	})
	if err != nil {
		classified := Classify(err)
		if classified.Category == CategoryNetwork {
			return r.enqueueCreate(ctx, prov, in, classified)
		}
		return r.failProvisional(tempID, classified), classified
	}

	view := r.confirmCreate(tempID, created)
	r.notify()
	return view, nil
}

func (r *Reconciler) enqueueCreate(ctx context.Context, prov provisionalRequest, in CreateRequestInput, cause *Error) (RequestView, error) {
	if r.opts.Queue == nil {
		return r.failProvisional(prov.req.ID, cause), cause
	}
	if _, err := r.opts.Queue.Enqueue(ctx, ActionCreateRequest, createPayload{TempID: prov.req.ID, Input: in}); err != nil {
		logError(r.opts.Logger, "reconciler", "Create", "enqueue create", prov.req.ID, err)
		return r.failProvisional(prov.req.ID, cause), cause
	}
	r.mu.Lock()
	prov.queued = true
	if _, ok := r.parts[partActive][prov.req.ID]; ok {
		r.parts[partActive][prov.req.ID] = prov
	}
	view := r.viewLocked(prov)
	r.mu.Unlock()
	r.notify()
	return view, nil
}

func (r *Reconciler) failProvisional(tempID string, cause *Error) RequestView {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.parts[partActive][tempID].(provisionalRequest)
	if !ok {
		return RequestView{}
	}
	rec.queued = false
	rec.err = cause
	r.parts[partActive][tempID] = rec
	return r.viewLocked(rec)
}

// confirmCreate swaps the provisional record for the backend one.
func (r *Reconciler) confirmCreate(tempID string, created ServiceRequest) RequestView {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.parts[partActive], tempID)
	r.applyConfirmedLocked(created)
	if rec, _, ok := r.findLocked(created.ID); ok {
		return r.viewLocked(rec)
	}
	return confirmedRequest{req: created}.view()
}

// Cancel moves a pending, assigned or active request to cancelled.
func (r *Reconciler) Cancel(ctx context.Context, id string) (RequestView, error) {
	return r.transition(ctx, id, StatusCancelled, ActionCancelRequest)
}

// Start moves an assigned request to active.
func (r *Reconciler) Start(ctx context.Context, id string) (RequestView, error) {
	return r.transition(ctx, id, StatusActive, ActionStartRequest)
}

// Complete moves an active request to completed and credits the provider.
func (r *Reconciler) Complete(ctx context.Context, id string) (RequestView, error) {
	return r.transition(ctx, id, StatusCompleted, ActionCompleteRequest)
}

func (r *Reconciler) transition(ctx context.Context, id string, to Status, actionType string) (RequestView, error) {
	r.mu.Lock()
	rec, _, found := r.findLocked(id)
	var current RequestView
	if found {
		current = r.viewLocked(rec)
	}
	r.mu.Unlock()

	if found {
		if current.Provisional {
			return current, newError(CategoryConflict, fmt.Errorf("request %s is not saved yet", id))
		}
		if !CanTransition(current.Status, to) {
			return current, newError(CategoryConflict, fmt.Errorf("request %s cannot move from %s to %s", id, current.Status, to))
		}
	}

	if !r.opts.Online() {
		return r.enqueueTransition(ctx, id, to, actionType, current, Classify(ErrOffline))
	}

	updated, err := RetryValue(ctx, r.opts.Retry, func(ctx context.Context) (ServiceRequest, error) {
		return r.backend.UpdateRequest(ctx, id, UpdateRequestFields{Status: &to})
	})
	if err != nil {
		classified := Classify(err)
		if classified.Category == CategoryNetwork {
			return r.enqueueTransition(ctx, id, to, actionType, current, classified)
		}
		return current, classified
	}

	view := r.applyAuthoritative(updated)
	if to == StatusCompleted {
		r.credit(ctx, updated)
	}
	return view, nil
}

func (r *Reconciler) enqueueTransition(ctx context.Context, id string, to Status, actionType string, current RequestView, cause *Error) (RequestView, error) {
	if r.opts.Queue == nil {
		return current, cause
	}
	if _, err := r.opts.Queue.Enqueue(ctx, actionType, transitionPayload{ID: id, Status: to}); err != nil {
		logError(r.opts.Logger, "reconciler", "transition", "enqueue "+actionType, id, err)
		return current, cause
	}
	r.mu.Lock()
	r.queuedOps[id] = actionType
	r.mu.Unlock()
	current.Queued = true
	r.notify()
	return current, nil
}

func (r *Reconciler) applyAuthoritative(req ServiceRequest) RequestView {
	r.mu.Lock()
	r.applyConfirmedLocked(req)
	view := confirmedRequest{req: req}.view()
	if rec, _, ok := r.findLocked(req.ID); ok {
		view = r.viewLocked(rec)
	}
	r.mu.Unlock()
	r.notify()
	return view
}

func (r *Reconciler) credit(ctx context.Context, req ServiceRequest) {
	if r.opts.Ledger == nil || req.ProviderID == "" {
		return
	}
	amount := req.Budget.Midpoint()
	if err := r.opts.Ledger.Credit(ctx, req.ProviderID, req.ID, amount); err != nil {
		logError(r.opts.Logger, "reconciler", "Complete", "credit earnings", map[string]string{
			"requestId": req.ID, "providerId": req.ProviderID, "amount": amount.String(),
		}, err)
	}
}

// AcceptAsProvider records the provider's interest in a pending request.
// Conflicts (already accepted, no longer open) are returned, never retried.
func (r *Reconciler) AcceptAsProvider(ctx context.Context, requestID, providerID string) (Acceptance, error) {
	if providerID == "" {
		r.mu.Lock()
		providerID = r.userID
		r.mu.Unlock()
	}
	acc, err := RetryValue(ctx, r.opts.Retry, func(ctx context.Context) (Acceptance, error) {
		return r.backend.CreateAcceptance(ctx, requestID, providerID)
	})
	if err != nil {
		return Acceptance{}, Classify(err)
	}

	r.mu.Lock()
	changed := false
	if providerID == r.userID {
		r.interacted[requestID] = true
		if rec, ok := r.parts[partAvailable][requestID].(confirmedRequest); ok {
			r.applyConfirmedLocked(rec.req)
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return acc, nil
}

// ChooseProvider picks one of the request's acceptances. The backend applies
// the choice atomically; the returned record is applied as one update.
func (r *Reconciler) ChooseProvider(ctx context.Context, requestID, providerID string) (RequestView, error) {
	r.mu.Lock()
	requesterID := r.userID
	rec, _, found := r.findLocked(requestID)
	var current RequestView
	if found {
		current = r.viewLocked(rec)
	}
	r.mu.Unlock()

	if found && !current.Provisional && !current.Unassigned() {
		return current, newError(CategoryConflict, fmt.Errorf("request %s is already %s", requestID, current.Status))
	}

	updated, err := RetryValue(ctx, r.opts.Retry, func(ctx context.Context) (ServiceRequest, error) {
		return r.backend.ChooseAcceptance(ctx, requestID, providerID, requesterID)
	})
	if err != nil {
		return current, Classify(err)
	}
	return r.applyAuthoritative(updated), nil
}

// ListAcceptances returns the providers that accepted requestID.
func (r *Reconciler) ListAcceptances(ctx context.Context, requestID string) ([]Acceptance, error) {
	accs, err := RetryValue(ctx, r.opts.Retry, func(ctx context.Context) ([]Acceptance, error) {
		return r.backend.ListAcceptances(ctx, requestID)
	})
	if err != nil {
		return nil, Classify(err)
	}
	return accs, nil
}

// Discard drops a failed provisional request. Queued or confirmed records
// are left alone.
func (r *Reconciler) Discard(tempID string) bool {
	r.mu.Lock()
	rec, ok := r.parts[partActive][tempID].(provisionalRequest)
	if ok && rec.err != nil {
		delete(r.parts[partActive], tempID)
	}
	r.mu.Unlock()
	if ok && rec.err != nil {
		r.notify()
		return true
	}
	return false
}

// ── Offline replay ───────────────────────────────────────

// QueueHandlers returns the handlers that replay this reconciler's queued
// mutations. Handlers return raw backend errors; the queue classifies them.
func (r *Reconciler) QueueHandlers() map[string]ActionHandler {
	return map[string]ActionHandler{
		ActionCreateRequest:   r.replayCreate,
		ActionCancelRequest:   r.replayTransition,
		ActionStartRequest:    r.replayTransition,
		ActionCompleteRequest: r.replayTransition,
	}
}

func (r *Reconciler) replayCreate(ctx context.Context, action QueuedAction) error {
	var p createPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return newError(CategoryValidation, fmt.Errorf("decode %s payload: %w", action.Type, err))
	}
	created, err := r.backend.CreateRequest(ctx, p.Input)
	if err != nil {
		return err
	}
	r.confirmCreate(p.TempID, created)
	r.notify()
	return nil
}

func (r *Reconciler) replayTransition(ctx context.Context, action QueuedAction) error {
	var p transitionPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return newError(CategoryValidation, fmt.Errorf("decode %s payload: %w", action.Type, err))
	}
	updated, err := r.backend.UpdateRequest(ctx, p.ID, UpdateRequestFields{Status: &p.Status})
	if err != nil {
		return err
	}
	r.applyAuthoritative(updated)
	if p.Status == StatusCompleted {
		r.credit(ctx, updated)
	}
	return nil
}

// HandleDropped is called when the queue abandons one of this reconciler's
// actions; the matching local record stops showing as queued.
func (r *Reconciler) HandleDropped(action QueuedAction, cause *Error) {
	switch action.Type {
	case ActionCreateRequest:
		var p createPayload
		if json.Unmarshal(action.Payload, &p) == nil {
			r.failProvisional(p.TempID, cause)
		}
	case ActionCancelRequest, ActionStartRequest, ActionCompleteRequest:
		var p transitionPayload
		if json.Unmarshal(action.Payload, &p) == nil {
			r.mu.Lock()
			delete(r.queuedOps, p.ID)
			r.mu.Unlock()
		}
	default:
		return
	}
	r.notify()
}
