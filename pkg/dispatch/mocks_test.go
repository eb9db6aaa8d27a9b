package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Тестовые заглушки внешних коллабораторов диспетчера.

func newInvite(user string) *sip.Request {
	return sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: user, Host: "example.com"})
}

type stubSession struct {
	id     string
	callID string
	sdp    []byte
}

func (s *stubSession) ID() string         { return s.id }
func (s *stubSession) CallID() string     { return s.callID }
func (s *stubSession) RemoteURI() sip.Uri { return sip.Uri{Scheme: "sip", Host: "example.com"} }
func (s *stubSession) SDP() []byte        { return s.sdp }

type stubLeg struct {
	mu     sync.Mutex
	id     string
	sess   Session
	closed int
}

func (l *stubLeg) ID() string { return l.id }

func (l *stubLeg) Session() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess, l.sess != nil
}

func (l *stubLeg) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *stubLeg) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type sentResponse struct {
	code   int
	reason string
	txnID  string
}

// stubSender записывает все ответы, отправленные ядром на входящую ногу.
type stubSender struct {
	mu        sync.Mutex
	responses []sentResponse
	accepted  [][]byte
	acceptErr error

	// onRespond - хук, вызываемый при каждой отправке ответа
	onRespond func(code int)
}

func (s *stubSender) Respond(txn *InboundTransaction, code int, reason string) error {
	s.mu.Lock()
	s.responses = append(s.responses, sentResponse{code: code, reason: reason, txnID: txn.ID()})
	hook := s.onRespond
	s.mu.Unlock()
	if hook != nil {
		hook(code)
	}
	return nil
}

func (s *stubSender) Accept(txn *InboundTransaction, answerSDP []byte) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptErr != nil {
		return nil, s.acceptErr
	}
	s.accepted = append(s.accepted, answerSDP)
	return &stubSession{id: "in-" + txn.ID(), callID: txn.CallIDValue(), sdp: answerSDP}, nil
}

func (s *stubSender) sent() []sentResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentResponse, len(s.responses))
	copy(out, s.responses)
	return out
}

func (s *stubSender) lastCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return 0, false
	}
	return s.responses[len(s.responses)-1].code, true
}

func (s *stubSender) codes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.responses))
	for _, r := range s.responses {
		out = append(out, r.code)
	}
	return out
}

// stubDialer создает заглушечные исходящие ноги. answer управляет
// сессией, которую получит нога; placeErr имитирует синхронный отказ.
type stubDialer struct {
	mu       sync.Mutex
	placed   []*stubLeg
	answers  []AnswerFunc
	placeErr error

	// sessionFor формирует сессию ноги, nil - нога без сессии
	sessionFor func(legID string) Session

	// answerSync - вызвать обработчик ответа синхронно внутри
	// PlaceCall (немедленный финальный ответ)
	answerSync bool
}

func (d *stubDialer) PlaceCall(_ context.Context, _ *Destination, _ []byte, onAnswer AnswerFunc) (OutboundLeg, error) {
	d.mu.Lock()
	if d.placeErr != nil {
		d.mu.Unlock()
		return nil, d.placeErr
	}
	leg := &stubLeg{id: fmt.Sprintf("leg-%d", len(d.placed))}
	if d.sessionFor != nil {
		leg.sess = d.sessionFor(leg.id)
	}
	d.placed = append(d.placed, leg)
	d.answers = append(d.answers, onAnswer)
	answerSync := d.answerSync
	d.mu.Unlock()

	if answerSync {
		onAnswer(leg)
	}
	return leg, nil
}

// answerAll вызывает обработчики ответа всех созданных ног, имитируя
// финальный ответ исходящей стороны.
func (d *stubDialer) answerAll() {
	d.mu.Lock()
	legs := make([]*stubLeg, len(d.placed))
	copy(legs, d.placed)
	answers := make([]AnswerFunc, len(d.answers))
	copy(answers, d.answers)
	d.mu.Unlock()

	for i, fn := range answers {
		fn(legs[i])
	}
}

func (d *stubDialer) placedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.placed)
}

type bridgedPair struct {
	inbound  string
	outbound string
}

type stubBridger struct {
	mu        sync.Mutex
	pairs     []bridgedPair
	bridgeErr error
}

func (b *stubBridger) Bridge(inbound, outbound Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bridgeErr != nil {
		return b.bridgeErr
	}
	b.pairs = append(b.pairs, bridgedPair{inbound: inbound.ID(), outbound: outbound.ID()})
	return nil
}

func (b *stubBridger) bridgedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pairs)
}
