package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// ForwardingEngine выполняет форвардинг одной принятой транзакции:
// резолвит направление, создает исходящую ногу и связывает обе ноги
// когда исходящая сторона отвечена.
//
// Forward не блокируется в ожидании ответа исходящей ноги: ответ
// приходит асинхронно через AnswerFunc, зарегистрированный до отправки
// INVITE. Исходящая нога, так и не достигшая established (отказ или
// молчание), завершается явно: входящая нога получает 480, исходящая
// закрывается, транзакция переходит в abandoned. Утечек транзакций нет.
type ForwardingEngine struct {
	resolver      Resolver
	dialer        Dialer
	bridger       Bridger
	sender        ResponseSender
	answerTimeout time.Duration
	metrics       *Metrics
}

// NewForwardingEngine создает движок форвардинга.
func NewForwardingEngine(resolver Resolver, dialer Dialer, bridger Bridger, sender ResponseSender, answerTimeout time.Duration, metrics *Metrics) *ForwardingEngine {
	if answerTimeout <= 0 {
		answerTimeout = DefaultAnswerTimeout
	}
	return &ForwardingEngine{
		resolver:      resolver,
		dialer:        dialer,
		bridger:       bridger,
		sender:        sender,
		answerTimeout: answerTimeout,
		metrics:       metrics,
	}
}

// Forward обрабатывает одну транзакцию. Результат выражается только
// побочными эффектами: ответы на входящую ногу и, при успехе, бридж.
// Ошибка возвращается лишь для неожиданных сбоев - воркер логирует их
// и продолжает работу.
func (e *ForwardingEngine) Forward(ctx context.Context, txn *InboundTransaction) error {
	if err := txn.markDispatched(); err != nil {
		return err
	}

	// B2BUA связка создается до резолвинга: обработчик ответа
	// регистрируется до отправки исходящего вызова, гонка между
	// ответом и регистрацией исключена.
	pairing := &legPairing{engine: e, txn: txn}

	dest, err := e.resolver.Resolve(ctx, txn.Request())
	if err != nil && !errors.Is(err, ErrNoRoute) {
		return fmt.Errorf("резолвинг направления: %w", err)
	}
	if dest == nil || errors.Is(err, ErrNoRoute) {
		slog.Info("направление не найдено",
			slog.String("call_id", txn.CallIDValue()))
		e.respond(txn, sip.StatusNotFound, "Not Found")
		e.metrics.NoRoute()
		return txn.markRejected()
	}

	slog.Debug("направление разрезолвлено",
		slog.String("call_id", txn.CallIDValue()),
		slog.String("target", dest.URI.String()))

	// Переход в awaiting_answer до отправки исходящего вызова: ответ
	// может прийти синхронно внутри PlaceCall, и обработчик должен
	// заставать транзакцию уже в этом состоянии.
	if err := txn.markAwaiting(); err != nil {
		return err
	}

	leg, err := e.dialer.PlaceCall(ctx, dest, txn.Request().Body(), pairing.answered)
	if err != nil {
		// Синхронный отказ создания ноги: входящая сторона получает
		// явный финальный ответ, никакой подвисшей транзакции.
		e.respond(txn, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
		e.metrics.Abandoned()
		if terr := txn.markAbandoned(); terr != nil {
			slog.Error("не удалось перевести транзакцию в abandoned", slog.Any("error", terr))
		}
		return fmt.Errorf("создание исходящей ноги: %w", err)
	}

	pairing.bind(leg)
	pairing.arm(e.answerTimeout)
	return nil
}

func (e *ForwardingEngine) respond(txn *InboundTransaction, code int, reason string) {
	if err := e.sender.Respond(txn, code, reason); err != nil {
		slog.Error("не удалось отправить финальный ответ",
			slog.Any("error", err),
			slog.Int("code", code),
			slog.String("call_id", txn.CallIDValue()))
	}
}

// legPairing - B2BUA связка входящей транзакции с исходящей ногой.
//
// Завершение строго однократное: ответ исходящей ноги и таймаут
// сериализуются через sync.Once, обработчик безопасен для вызова из
// чужого потока управления.
type legPairing struct {
	engine *ForwardingEngine
	txn    *InboundTransaction

	mu        sync.Mutex
	leg       OutboundLeg
	timer     *time.Timer
	completed bool

	done sync.Once
}

// bind связывает созданную исходящую ногу с парой.
func (p *legPairing) bind(leg OutboundLeg) {
	p.mu.Lock()
	p.leg = leg
	p.mu.Unlock()
}

// arm взводит таймаут ожидания ответа исходящей ноги. Если пара уже
// завершена (синхронный ответ внутри PlaceCall), таймер не нужен.
func (p *legPairing) arm(d time.Duration) {
	p.mu.Lock()
	if !p.completed {
		p.timer = time.AfterFunc(d, p.expired)
	}
	p.mu.Unlock()
}

// complete фиксирует завершение пары и гасит таймер.
func (p *legPairing) complete() {
	p.mu.Lock()
	p.completed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
}

// answered - обработчик завершения ответа исходящей ноги. Вызывается
// механизмом транзакций исходящей ноги, не горутиной воркера.
func (p *legPairing) answered(leg OutboundLeg) {
	p.done.Do(func() {
		p.complete()

		sess, ok := leg.Session()
		if !ok {
			slog.Info("исходящая нога завершилась без установленной сессии",
				slog.String("call_id", p.txn.CallIDValue()),
				slog.String("leg_id", leg.ID()))
			p.abandon(leg)
			return
		}

		inSess, err := p.engine.sender.Accept(p.txn, sess.SDP())
		if err != nil {
			slog.Error("не удалось установить входящую ногу",
				slog.Any("error", err),
				slog.String("call_id", p.txn.CallIDValue()))
			p.abandon(leg)
			return
		}

		if err := p.engine.bridger.Bridge(inSess, sess); err != nil {
			slog.Error("бридж не сформирован",
				slog.Any("error", err),
				slog.String("inbound", inSess.ID()),
				slog.String("outbound", sess.ID()))
			// Финальный ответ на входящую ногу уже ушел в Accept,
			// второй не отправляем - только закрываем исходящую.
			p.terminate(leg)
			return
		}

		p.engine.metrics.Bridged()
		if err := p.txn.markBridged(); err != nil {
			slog.Error("не удалось перевести транзакцию в bridged", slog.Any("error", err))
		}
		slog.Info("вызов забриджен",
			slog.String("call_id", p.txn.CallIDValue()),
			slog.String("inbound", inSess.ID()),
			slog.String("outbound", sess.ID()))
	})
}

// expired - таймаут ожидания ответа исходящей ноги.
func (p *legPairing) expired() {
	p.done.Do(func() {
		slog.Warn("таймаут ожидания ответа исходящей ноги",
			slog.String("call_id", p.txn.CallIDValue()))
		p.mu.Lock()
		p.completed = true
		leg := p.leg
		p.mu.Unlock()
		p.abandon(leg)
	})
}

// abandon завершает транзакцию без бриджа: 480 на входящую ногу,
// закрытие исходящей.
func (p *legPairing) abandon(leg OutboundLeg) {
	p.engine.respond(p.txn, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
	p.terminate(leg)
}

// terminate закрывает исходящую ногу и переводит транзакцию в
// abandoned, не трогая входящую ногу.
func (p *legPairing) terminate(leg OutboundLeg) {
	if leg != nil {
		if err := leg.Close(); err != nil {
			slog.Error("не удалось закрыть исходящую ногу",
				slog.Any("error", err),
				slog.String("leg_id", leg.ID()))
		}
	}
	p.engine.metrics.Abandoned()
	if err := p.txn.markAbandoned(); err != nil {
		slog.Error("не удалось перевести транзакцию в abandoned", slog.Any("error", err))
	}
}
