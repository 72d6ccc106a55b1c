package gotx

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Directory 进程内的参与者注册中心，默认的 Transport 实现
type Directory struct {
	mux          sync.RWMutex
	participants map[string]Participant
}

func NewDirectory() *Directory {
	return &Directory{
		participants: make(map[string]Participant),
	}
}

func (d *Directory) Register(participant Participant) error {
	d.mux.Lock()
	defer d.mux.Unlock()
	key := participant.ID().String()
	if _, ok := d.participants[key]; ok {
		return errors.Errorf("repeat participant id: %s", key)
	}
	d.participants[key] = participant
	return nil
}

// Unregister 参与者下线后，发往它的消息都会失败
func (d *Directory) Unregister(id ParticipantID) {
	d.mux.Lock()
	defer d.mux.Unlock()
	delete(d.participants, id.String())
}

func (d *Directory) get(id ParticipantID) (Participant, error) {
	d.mux.RLock()
	defer d.mux.RUnlock()
	participant, ok := d.participants[id.String()]
	if !ok {
		return nil, errors.Wrapf(ErrParticipantUnavailable, "participant: %s not existed", id)
	}
	return participant, nil
}

func (d *Directory) Resource(id ParticipantID) (Resource, error) {
	participant, err := d.get(id)
	if err != nil {
		return nil, err
	}
	resource, ok := participant.(Resource)
	if !ok {
		return nil, errors.Wrapf(ErrParticipantUnavailable, "participant: %s is not a resource", id)
	}
	return resource, nil
}

func (d *Directory) Manager(id ParticipantID) (TransactionManager, error) {
	participant, err := d.get(id)
	if err != nil {
		return nil, err
	}
	manager, ok := participant.(TransactionManager)
	if !ok || !id.IsManager() {
		return nil, errors.Wrapf(ErrParticipantUnavailable, "participant: %s is not a transaction manager", id)
	}
	return manager, nil
}

// LossyTransport 按参与者名称丢弃消息，模拟网络故障
type LossyTransport struct {
	Transport

	mux     sync.RWMutex
	dropped map[string]bool
}

func NewLossyTransport(transport Transport) *LossyTransport {
	return &LossyTransport{
		Transport: transport,
		dropped:   make(map[string]bool),
	}
}

// Drop 开启后发往 name 的所有消息都会失败
func (l *LossyTransport) Drop(name string, drop bool) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.dropped[name] = drop
}

func (l *LossyTransport) isDropped(id ParticipantID) bool {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return l.dropped[id.Name]
}

func (l *LossyTransport) Resource(id ParticipantID) (Resource, error) {
	resource, err := l.Transport.Resource(id)
	if err != nil {
		return nil, err
	}
	return &lossyResource{Resource: resource, lossy: l}, nil
}

func (l *LossyTransport) Manager(id ParticipantID) (TransactionManager, error) {
	manager, err := l.Transport.Manager(id)
	if err != nil {
		return nil, err
	}
	return &lossyManager{TransactionManager: manager, lossy: l}, nil
}

func (l *LossyTransport) check(id ParticipantID) error {
	if l.isDropped(id) {
		return errors.Wrapf(ErrParticipantUnavailable, "message to %s dropped", id)
	}
	return nil
}

type lossyResource struct {
	Resource
	lossy *LossyTransport
}

func (r *lossyResource) Prepare(ctx context.Context, req *PrepareReq) error {
	if err := r.lossy.check(r.ID()); err != nil {
		return err
	}
	return r.Resource.Prepare(ctx, req)
}

func (r *lossyResource) CommitReadOnly(ctx context.Context, req *CommitReadOnlyReq) (TransactionalStatus, error) {
	if err := r.lossy.check(r.ID()); err != nil {
		return StatusUnknownException, err
	}
	return r.Resource.CommitReadOnly(ctx, req)
}

func (r *lossyResource) Confirm(ctx context.Context, req *ConfirmReq) error {
	if err := r.lossy.check(r.ID()); err != nil {
		return err
	}
	return r.Resource.Confirm(ctx, req)
}

func (r *lossyResource) Abort(ctx context.Context, req *AbortReq) error {
	if err := r.lossy.check(r.ID()); err != nil {
		return err
	}
	return r.Resource.Abort(ctx, req)
}

func (r *lossyResource) Cancel(ctx context.Context, req *CancelReq) error {
	if err := r.lossy.check(r.ID()); err != nil {
		return err
	}
	return r.Resource.Cancel(ctx, req)
}

func (r *lossyResource) Ping(ctx context.Context, req *PingReq) (*PingResp, error) {
	if err := r.lossy.check(r.ID()); err != nil {
		return nil, err
	}
	return r.Resource.Ping(ctx, req)
}

type lossyManager struct {
	TransactionManager
	lossy *LossyTransport
}

func (m *lossyManager) PrepareAndCommit(ctx context.Context, req *PrepareAndCommitReq) (TransactionalStatus, error) {
	if err := m.lossy.check(m.ID()); err != nil {
		return StatusUnknownException, err
	}
	return m.TransactionManager.PrepareAndCommit(ctx, req)
}

func (m *lossyManager) Prepared(ctx context.Context, req *PreparedReq) error {
	if err := m.lossy.check(m.ID()); err != nil {
		return err
	}
	return m.TransactionManager.Prepared(ctx, req)
}

func (m *lossyManager) Ping(ctx context.Context, req *PingReq) (*PingResp, error) {
	if err := m.lossy.check(m.ID()); err != nil {
		return nil, err
	}
	return m.TransactionManager.Ping(ctx, req)
}
