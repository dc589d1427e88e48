package binder

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	glog "github.com/zboralski/vspace/internal/log"
)

// Reason records which rule produced a verdict.
type Reason string

const (
	ReasonFilter  Reason = "filter"
	ReasonDefault Reason = "default"
	ReasonScript  Reason = "script"
	ReasonError   Reason = "script-error"
)

// Event is published for every judged transaction.
type Event struct {
	Time       time.Time
	Service    string
	Descriptor string
	Code       uint32
	Policy     Policy
	Reason     Reason
}

// Interceptor judges transactions against the filter table and the
// per-service scripts, and publishes the outcome.
type Interceptor struct {
	Filter  *Filter
	Scripts *Scripts

	sink    atomic.Pointer[chan<- Event]
	dropped atomic.Uint64
	judged  atomic.Uint64
	log     *glog.Logger
}

// NewInterceptor returns an interceptor over f and s.
func NewInterceptor(f *Filter, s *Scripts) *Interceptor {
	return &Interceptor{
		Filter:  f,
		Scripts: s,
		log:     glog.L.WithCategory("binder"),
	}
}

// SetSink sets the channel events are published to; nil disables
// publishing. Sends never block; events that do not fit are counted as
// dropped.
func (in *Interceptor) SetSink(ch chan<- Event) {
	if ch == nil {
		in.sink.Store(nil)
		return
	}
	in.sink.Store(&ch)
}

// Decide returns the verdict for tx. A blocked service is final; an
// allowed one may still be refused by its script.
func (in *Interceptor) Decide(tx *Transaction) Policy {
	p, explicit := in.Filter.Lookup(tx.Service)
	reason := ReasonDefault
	if explicit {
		reason = ReasonFilter
	}

	if p == Allow && in.Scripts != nil {
		allow, ok, err := in.Scripts.Eval(tx)
		switch {
		case err != nil:
			in.log.Error("transaction filter failed", glog.Service(tx.Service), zap.Error(err))
			p, reason = Block, ReasonError
		case ok:
			p, reason = Policy(allow), ReasonScript
		}
	}

	in.judged.Add(1)
	in.publish(Event{
		Time:       time.Now(),
		Service:    tx.Service,
		Descriptor: tx.Descriptor,
		Code:       tx.Code,
		Policy:     p,
		Reason:     reason,
	})

	if p == Block {
		in.log.Info("transaction blocked",
			glog.Service(tx.Service),
			zap.String("desc", tx.Descriptor),
			zap.Uint32("code", tx.Code),
			zap.String("reason", string(reason)),
		)
	}
	return p
}

// DecideAll judges every transaction and blocks the batch if any one is
// blocked.
func (in *Interceptor) DecideAll(txs []*Transaction) Policy {
	verdict := Allow
	for _, tx := range txs {
		if in.Decide(tx) == Block {
			verdict = Block
		}
	}
	return verdict
}

func (in *Interceptor) publish(ev Event) {
	ch := in.sink.Load()
	if ch == nil {
		return
	}
	select {
	case *ch <- ev:
	default:
		in.dropped.Add(1)
	}
}

// Judged returns the number of transactions decided so far.
func (in *Interceptor) Judged() uint64 {
	return in.judged.Load()
}

// Dropped returns the number of events that could not be published.
func (in *Interceptor) Dropped() uint64 {
	return in.dropped.Load()
}
