package stack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/sipdispatch/pkg/dispatch"
)

// session - установленная сессия одной ноги вызова. Хранит состояние
// диалога, достаточное для отправки in-dialog BYE.
type session struct {
	id     string
	callID string

	localTag  string
	remoteTag string

	localURI  sip.Uri
	remoteURI sip.Uri
	// remoteTarget - Contact удаленной стороны, получатель in-dialog запросов
	remoteTarget sip.Uri

	transport string
	sdp       []byte

	mu   sync.Mutex
	cseq uint32
}

// ID возвращает идентификатор сессии.
func (s *session) ID() string { return s.id }

// CallID возвращает Call-ID ноги.
func (s *session) CallID() string { return s.callID }

// RemoteURI возвращает URI удаленной стороны.
func (s *session) RemoteURI() sip.Uri { return s.remoteURI }

// SDP возвращает описание сессии удаленной стороны.
func (s *session) SDP() []byte { return s.sdp }

func (s *session) nextCSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cseq++
	return s.cseq
}

// Respond отправляет ответ на входящую транзакцию. Реализует
// dispatch.ResponseSender. Финальный ответ снимает транзакцию с учета
// незавершенных.
func (s *Stack) Respond(txn *dispatch.InboundTransaction, code int, reason string) error {
	req := txn.Request()
	stx := txn.ServerTx()
	if stx == nil {
		return fmt.Errorf("транзакция %s без серверной SIP транзакции", txn.ID())
	}

	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := stx.Respond(res); err != nil {
		return fmt.Errorf("отправка ответа %d: %w", code, err)
	}

	if code >= 200 {
		s.pending.Delete(callIDValue(req))
	}
	return nil
}

// Accept отвечает 200 OK с переданным SDP answer и возвращает
// установленную сессию входящей ноги. Реализует dispatch.ResponseSender.
func (s *Stack) Accept(txn *dispatch.InboundTransaction, answerSDP []byte) (dispatch.Session, error) {
	req := txn.Request()
	stx := txn.ServerTx()
	if stx == nil {
		return nil, fmt.Errorf("транзакция %s без серверной SIP транзакции", txn.ID())
	}

	if err := validateSessionDescription(answerSDP); err != nil {
		return nil, fmt.Errorf("SDP answer для входящей ноги: %w", err)
	}

	localTag := sip.GenerateTagN(16)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answerSDP)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params["tag"] = localTag
	}
	res.AppendHeader(&sip.ContactHeader{Address: s.contactURI})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	if err := stx.Respond(res); err != nil {
		return nil, fmt.Errorf("отправка 200 OK: %w", err)
	}

	callID := callIDValue(req)
	s.pending.Delete(callID)

	remoteTag := ""
	remoteURI := s.contactURI
	if from := req.From(); from != nil {
		remoteTag = from.Params["tag"]
		remoteURI = from.Address
	}
	remoteTarget := remoteURI
	if contact := req.Contact(); contact != nil {
		remoteTarget = contact.Address
	}

	var seq uint32
	if cseq := req.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}

	sess := &session{
		id:           uuid.NewString(),
		callID:       callID,
		localTag:     localTag,
		remoteTag:    remoteTag,
		localURI:     s.contactURI,
		remoteURI:    remoteURI,
		remoteTarget: remoteTarget,
		transport:    req.Transport(),
		sdp:          req.Body(),
		cseq:         seq,
	}
	s.sessions.Store(callID, sess)

	slog.Info("входящая нога установлена",
		slog.String("call_id", callID),
		slog.String("session_id", sess.id),
		slog.String("media", sessionEndpoint(req.Body())))

	return sess, nil
}

// Hangup завершает установленную сессию отправкой BYE. Вызов для уже
// завершенной сессии - no-op.
func (s *Stack) Hangup(sess dispatch.Session) error {
	value, ok := s.sessions.LoadAndDelete(sess.CallID())
	if !ok {
		return nil
	}
	return s.sendBye(value.(*session))
}

// HangupByID завершает сессию по ее идентификатору.
func (s *Stack) HangupByID(sessionID string) error {
	var target *session
	s.sessions.Range(func(_, value any) bool {
		if sess := value.(*session); sess.ID() == sessionID {
			target = sess
			return false
		}
		return true
	})
	if target == nil {
		return nil
	}
	s.sessions.Delete(target.callID)
	return s.sendBye(target)
}

// sendBye отправляет in-dialog BYE для сессии.
func (s *Stack) sendBye(sess *session) error {
	bye := sip.NewRequest(sip.BYE, sess.remoteTarget)

	from := &sip.FromHeader{
		Address: sess.localURI,
		Params:  sip.HeaderParams{"tag": sess.localTag},
	}
	bye.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sess.remoteURI,
		Params:  sip.HeaderParams{},
	}
	if sess.remoteTag != "" {
		to.Params["tag"] = sess.remoteTag
	}
	bye.AppendHeader(to)

	callID := sip.CallIDHeader(sess.callID)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: sess.nextCSeq(), MethodName: sip.BYE})
	maxForwards := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxForwards)

	if sess.transport != "" {
		bye.SetTransport(strings.ToUpper(sess.transport))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.Do(ctx, bye)
	if err != nil {
		return fmt.Errorf("отправка BYE: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("BYE отклонен: %d %s", res.StatusCode, res.Reason)
	}

	slog.Debug("сессия завершена",
		slog.String("call_id", sess.callID),
		slog.String("session_id", sess.id))
	return nil
}
