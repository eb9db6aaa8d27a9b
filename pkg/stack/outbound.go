package stack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/sipdispatch/pkg/dispatch"
)

// PlaceCall создает исходящую ногу вызова: отправляет INVITE на
// направление и возвращает ногу. Реализует dispatch.Dialer.
//
// Ответ асинхронен: onAnswer вызывается горутиной наблюдения за
// клиентской транзакцией когда приходит финальный ответ, либо когда
// транзакция завершается без него. onAnswer гарантированно вызывается
// не более одного раза.
func (s *Stack) PlaceCall(ctx context.Context, dest *dispatch.Destination, offer []byte, onAnswer dispatch.AnswerFunc) (dispatch.OutboundLeg, error) {
	if dest == nil {
		return nil, fmt.Errorf("не задано направление")
	}
	if len(offer) > 0 {
		if err := validateSessionDescription(offer); err != nil {
			return nil, fmt.Errorf("SDP offer исходящей ноги: %w", err)
		}
	}

	callID := uuid.NewString()
	localTag := sip.GenerateTagN(16)

	invite := sip.NewRequest(sip.INVITE, dest.URI)

	transport := strings.ToUpper(dest.Transport)
	if transport == "" {
		transport = "UDP"
	}
	invite.SetTransport(transport)

	from := &sip.FromHeader{
		DisplayName: s.config.DisplayName,
		Address:     s.contactURI,
		Params:      sip.HeaderParams{"tag": localTag},
	}
	invite.AppendHeader(from)

	to := &sip.ToHeader{
		DisplayName: dest.DisplayName,
		Address:     dest.URI,
		Params:      sip.HeaderParams{},
	}
	invite.AppendHeader(to)

	callIDHeader := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHeader)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxForwards := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxForwards)
	invite.AppendHeader(&sip.ContactHeader{Address: s.contactURI})

	if len(offer) > 0 {
		invite.SetBody(offer)
		invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		invite.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(offer))))
	}

	leg := &outboundLeg{
		id:       uuid.NewString(),
		callID:   callID,
		localTag: localTag,
		stack:    s,
		invite:   invite,
		onAnswer: onAnswer,
	}

	tx, err := s.client.TransactionRequest(ctx, invite)
	if err != nil {
		return nil, fmt.Errorf("отправка INVITE на %s: %w", dest.URI.String(), err)
	}
	leg.tx = tx

	slog.Debug("исходящая нога создана",
		slog.String("call_id", callID),
		slog.String("leg_id", leg.id),
		slog.String("target", dest.URI.String()))

	go leg.watch(ctx)
	return leg, nil
}

// outboundLeg - исходящая (UAC) нога вызова.
type outboundLeg struct {
	id       string
	callID   string
	localTag string
	stack    *Stack
	invite   *sip.Request
	tx       sip.ClientTransaction
	onAnswer dispatch.AnswerFunc

	mu   sync.Mutex
	sess *session

	notifyOnce sync.Once
	closeOnce  sync.Once
}

// ID возвращает идентификатор ноги.
func (l *outboundLeg) ID() string { return l.id }

// Session возвращает установленную сессию ноги.
func (l *outboundLeg) Session() (dispatch.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess == nil {
		return nil, false
	}
	return l.sess, true
}

// Close завершает ногу: CANCEL до финального ответа, BYE после
// установления сессии. Идемпотентен.
func (l *outboundLeg) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		sess := l.sess
		l.mu.Unlock()

		if sess != nil {
			err = l.stack.Hangup(sess)
			return
		}
		err = l.cancel()
	})
	return err
}

// watch наблюдает за клиентской транзакцией INVITE. Провизорные
// ответы логируются, финальный решает судьбу ноги.
func (l *outboundLeg) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.tx.Terminate()
			l.notify()
			return

		case <-l.tx.Done():
			if err := l.tx.Err(); err != nil {
				slog.Warn("транзакция исходящей ноги завершилась с ошибкой",
					slog.Any("error", err),
					slog.String("call_id", l.callID))
			}
			l.notify()
			return

		case res, ok := <-l.tx.Responses():
			if !ok {
				l.notify()
				return
			}
			switch {
			case res.StatusCode < 200:
				slog.Debug("провизорный ответ исходящей ноги",
					slog.Int("code", res.StatusCode),
					slog.String("call_id", l.callID))
				continue

			case res.StatusCode < 300:
				l.established(res)
				l.notify()
				return

			default:
				slog.Info("исходящая нога отклонена",
					slog.Int("code", res.StatusCode),
					slog.String("reason", res.Reason),
					slog.String("call_id", l.callID))
				l.tx.Terminate()
				l.notify()
				return
			}
		}
	}
}

// established обрабатывает 2xx: подтверждает диалог ACK и фиксирует
// сессию. ACK для 2xx генерирует UAC core, не транзакция (RFC 3261
// §13.2.2.4).
func (l *outboundLeg) established(res *sip.Response) {
	ack := l.buildAck(res)
	if err := l.stack.client.WriteRequest(ack); err != nil {
		slog.Error("не удалось отправить ACK",
			slog.Any("error", err),
			slog.String("call_id", l.callID))
		return
	}

	if err := validateSessionDescription(res.Body()); err != nil {
		// Ответ без пригодного SDP: сессия не считается
		// установленной, пара завершит ногу через Close.
		slog.Warn("исходящая нога отвечена без корректного SDP",
			slog.Any("error", err),
			slog.String("call_id", l.callID))
		return
	}

	remoteTag := ""
	remoteURI := l.invite.Recipient
	if to := res.To(); to != nil {
		remoteTag = to.Params["tag"]
		remoteURI = to.Address
	}
	remoteTarget := l.invite.Recipient
	if contact := res.Contact(); contact != nil {
		remoteTarget = contact.Address
	}

	sess := &session{
		id:           uuid.NewString(),
		callID:       l.callID,
		localTag:     l.localTag,
		remoteTag:    remoteTag,
		localURI:     l.stack.contactURI,
		remoteURI:    remoteURI,
		remoteTarget: remoteTarget,
		transport:    l.invite.Transport(),
		sdp:          res.Body(),
		cseq:         1,
	}

	l.mu.Lock()
	l.sess = sess
	l.mu.Unlock()
	l.stack.sessions.Store(l.callID, sess)

	slog.Info("исходящая нога установлена",
		slog.String("call_id", l.callID),
		slog.String("session_id", sess.id),
		slog.String("media", sessionEndpoint(res.Body())))
}

// buildAck строит ACK для 2xx ответа на INVITE. Request-URI берется
// из Contact ответа (если есть), To - из ответа с remote tag, CSeq -
// с номером INVITE и методом ACK.
func (l *outboundLeg) buildAck(res *sip.Response) *sip.Request {
	recipient := l.invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = l.invite.SipVersion

	sip.CopyHeaders("Route", l.invite, ack)

	if h := l.invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.ACK
		ack.AppendHeader(cseq)
	}

	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)

	if h := l.invite.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(l.invite.Transport())
	ack.SetSource(l.invite.Source())

	return ack
}

// notify вызывает обработчик ответа ровно один раз.
func (l *outboundLeg) notify() {
	l.notifyOnce.Do(func() {
		if l.onAnswer != nil {
			l.onAnswer(l)
		}
	})
}

// cancel отменяет незавершенную INVITE транзакцию. CANCEL строится
// из оригинального запроса с копированием идентифицирующих заголовков.
func (l *outboundLeg) cancel() error {
	cancelReq := sip.NewRequest(sip.CANCEL, l.invite.Recipient)
	cancelReq.SipVersion = l.invite.SipVersion

	if via := l.invite.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", l.invite, cancelReq)

	maxForwards := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwards)

	if h := l.invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancelReq.AppendHeader(cseq)
	}

	cancelReq.SetTransport(l.invite.Transport())
	cancelReq.SetSource(l.invite.Source())
	cancelReq.SetDestination(l.invite.Destination())

	_, err := l.stack.client.TransactionRequest(context.Background(), cancelReq)
	if err != nil {
		return fmt.Errorf("отправка CANCEL: %w", err)
	}
	return nil
}
