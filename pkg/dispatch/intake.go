package dispatch

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// RejectReason причина отказа в приеме.
type RejectReason string

const (
	// RejectUnsupportedMethod - запрос не является INVITE
	RejectUnsupportedMethod RejectReason = "unsupported_method"
	// RejectOverload - очередь заполнена
	RejectOverload RejectReason = "overload"
)

// Admission - результат вызова Admit.
type Admission struct {
	// Accepted - транзакция принята и поставлена в очередь
	Accepted bool
	// Reason - причина отказа, пустая при Accepted
	Reason RejectReason
	// Txn - созданная транзакция, nil при отказе
	Txn *InboundTransaction
}

// IntakeGate валидирует входящие запросы и выполняет admission control
// на границе приема.
//
// Каждый вызов Admit немедленно отправляет ровно один ответ на входящую
// ногу: 100 Trying при приеме, 405 для не-INVITE запросов, 480 при
// переполнении очереди. Дальнейшая судьба принятой транзакции решается
// ForwardingEngine.
type IntakeGate struct {
	queue   *workQueue
	sender  ResponseSender
	metrics *Metrics
}

// NewIntakeGate создает гейт приема поверх очереди и транспортного
// контракта отправки ответов.
func NewIntakeGate(queue *workQueue, sender ResponseSender, metrics *Metrics) *IntakeGate {
	return &IntakeGate{queue: queue, sender: sender, metrics: metrics}
}

// Admit принимает или отклоняет входящий запрос.
//
// Жесткая граница admission control: при переполнении очереди запрос
// отклоняется сразу, без блокировки и без повторов со стороны гейта.
// Ретрансмиссия - забота протокольного слоя вызывающей стороны.
func (g *IntakeGate) Admit(req *sip.Request, stx sip.ServerTransaction) Admission {
	if req.Method != sip.INVITE {
		slog.Debug("отклонен запрос с неподдерживаемым методом",
			slog.String("method", req.Method.String()))
		g.respond(NewInboundTransaction(req, stx), sip.StatusMethodNotAllowed, "Method Not Allowed")
		g.metrics.Rejected(RejectUnsupportedMethod)
		return Admission{Reason: RejectUnsupportedMethod}
	}

	txn := NewInboundTransaction(req, stx)

	if !g.queue.reserve() {
		slog.Warn("очередь заполнена, вызов отклонен",
			slog.String("call_id", txn.CallIDValue()))
		g.respond(txn, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
		g.metrics.Rejected(RejectOverload)
		return Admission{Reason: RejectOverload}
	}

	if err := txn.markQueued(); err != nil {
		slog.Error("не удалось перевести транзакцию в queued", slog.Any("error", err))
	}

	// Провизорный ответ уходит до публикации транзакции в очереди:
	// воркер не может отправить финальный ответ раньше 100 Trying.
	g.respond(txn, sip.StatusTrying, "Trying")
	g.queue.commit(txn)
	g.metrics.Admitted(g.queue.length())
	g.queue.signal()

	slog.Debug("вызов принят и поставлен в очередь",
		slog.String("call_id", txn.CallIDValue()),
		slog.String("txn_id", txn.ID()),
		slog.Int("queue_len", g.queue.length()))

	return Admission{Accepted: true, Txn: txn}
}

func (g *IntakeGate) respond(txn *InboundTransaction, code int, reason string) {
	if err := g.sender.Respond(txn, code, reason); err != nil {
		slog.Error("не удалось отправить ответ на входящую ногу",
			slog.Any("error", err),
			slog.Int("code", code),
			slog.String("call_id", txn.CallIDValue()))
	}
}
