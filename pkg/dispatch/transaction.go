package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// TxnState состояние входящей транзакции.
type TxnState string

const (
	// TxnAdmitted - транзакция принята IntakeGate
	TxnAdmitted TxnState = "admitted"
	// TxnQueued - транзакция в очереди
	TxnQueued TxnState = "queued"
	// TxnDispatched - транзакция взята воркером
	TxnDispatched TxnState = "dispatched"
	// TxnAwaitingAnswer - исходящая нога создана, ждем ответ
	TxnAwaitingAnswer TxnState = "awaiting_answer"
	// TxnRejected - терминальное: направление не найдено, отправлен финальный ответ
	TxnRejected TxnState = "rejected"
	// TxnBridged - терминальное: обе ноги связаны
	TxnBridged TxnState = "bridged"
	// TxnAbandoned - терминальное: исходящая нога не установилась
	TxnAbandoned TxnState = "abandoned"
)

// IsTerminal возвращает true для терминальных состояний.
func (s TxnState) IsTerminal() bool {
	return s == TxnRejected || s == TxnBridged || s == TxnAbandoned
}

func (s TxnState) String() string { return string(s) }

// События конечного автомата транзакции.
const (
	evEnqueue  = "enqueue"
	evDispatch = "dispatch"
	evReject   = "reject"
	evAwait    = "await"
	evBridge   = "bridge"
	evAbandon  = "abandon"
)

// InboundTransaction - принятая входящая INVITE транзакция.
//
// Владение эксклюзивное: транзакцией владеет та стадия, которая ее
// сейчас держит (IntakeGate -> очередь -> один воркер). Транзакция
// никогда не возвращается в очередь и не разделяется между воркерами.
type InboundTransaction struct {
	id         string
	req        *sip.Request
	stx        sip.ServerTransaction
	admittedAt time.Time

	// FSM: admitted -> queued -> dispatched ->
	//   {rejected | awaiting_answer -> {bridged | abandoned}}
	sm *fsm.FSM
}

// NewInboundTransaction создает транзакцию для принятого INVITE запроса.
func NewInboundTransaction(req *sip.Request, stx sip.ServerTransaction) *InboundTransaction {
	t := &InboundTransaction{
		id:         uuid.NewString(),
		req:        req,
		stx:        stx,
		admittedAt: time.Now(),
	}
	t.sm = fsm.NewFSM(
		string(TxnAdmitted),
		fsm.Events{
			{Name: evEnqueue, Src: []string{string(TxnAdmitted)}, Dst: string(TxnQueued)},
			{Name: evDispatch, Src: []string{string(TxnQueued)}, Dst: string(TxnDispatched)},
			{Name: evReject, Src: []string{string(TxnDispatched)}, Dst: string(TxnRejected)},
			{Name: evAwait, Src: []string{string(TxnDispatched)}, Dst: string(TxnAwaitingAnswer)},
			{Name: evBridge, Src: []string{string(TxnAwaitingAnswer)}, Dst: string(TxnBridged)},
			// abandon допустим и из dispatched: синхронный отказ
			// создания исходящей ноги
			{Name: evAbandon, Src: []string{string(TxnDispatched), string(TxnAwaitingAnswer)}, Dst: string(TxnAbandoned)},
		},
		fsm.Callbacks{},
	)
	return t
}

// ID возвращает идентификатор транзакции.
func (t *InboundTransaction) ID() string { return t.id }

// Request возвращает принятый INVITE запрос.
func (t *InboundTransaction) Request() *sip.Request { return t.req }

// ServerTx возвращает серверную SIP транзакцию входящей ноги.
func (t *InboundTransaction) ServerTx() sip.ServerTransaction { return t.stx }

// AdmittedAt возвращает время приема транзакции.
func (t *InboundTransaction) AdmittedAt() time.Time { return t.admittedAt }

// State возвращает текущее состояние транзакции.
func (t *InboundTransaction) State() TxnState { return TxnState(t.sm.Current()) }

// CallIDValue возвращает Call-ID запроса для логирования.
func (t *InboundTransaction) CallIDValue() string {
	if cid := t.req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func (t *InboundTransaction) event(name string) error {
	if err := t.sm.Event(context.Background(), name); err != nil {
		return fmt.Errorf("переход %s из состояния %s: %w", name, t.sm.Current(), err)
	}
	return nil
}

func (t *InboundTransaction) markQueued() error     { return t.event(evEnqueue) }
func (t *InboundTransaction) markDispatched() error { return t.event(evDispatch) }
func (t *InboundTransaction) markRejected() error   { return t.event(evReject) }
func (t *InboundTransaction) markAwaiting() error   { return t.event(evAwait) }
func (t *InboundTransaction) markBridged() error    { return t.event(evBridge) }
func (t *InboundTransaction) markAbandoned() error  { return t.event(evAbandon) }
