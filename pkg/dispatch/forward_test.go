package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine  *ForwardingEngine
	sender  *stubSender
	dialer  *stubDialer
	bridger *stubBridger
}

func newEngineFixture(resolver Resolver, answerTimeout time.Duration) *engineFixture {
	f := &engineFixture{
		sender: &stubSender{},
		dialer: &stubDialer{
			sessionFor: func(legID string) Session {
				return &stubSession{id: "out-" + legID, callID: "cid-" + legID, sdp: []byte("v=0\r\n")}
			},
		},
		bridger: &stubBridger{},
	}
	f.engine = NewForwardingEngine(resolver, f.dialer, f.bridger, f.sender, answerTimeout, NewMetrics(nil))
	return f
}

func staticResolver(dest *Destination) Resolver {
	return ResolverFunc(func(context.Context, *sip.Request) (*Destination, error) {
		if dest == nil {
			return nil, ErrNoRoute
		}
		return dest, nil
	})
}

func queuedTxn(t *testing.T, user string) *InboundTransaction {
	t.Helper()
	txn := NewInboundTransaction(newInvite(user), nil)
	require.NoError(t, txn.markQueued())
	return txn
}

func TestForwardNoRoute(t *testing.T) {
	f := newEngineFixture(staticResolver(nil), time.Minute)
	txn := queuedTxn(t, "nobody")

	require.NoError(t, f.engine.Forward(context.Background(), txn))

	assert.Equal(t, TxnRejected, txn.State())
	code, ok := f.sender.lastCode()
	require.True(t, ok)
	assert.Equal(t, sip.StatusNotFound, code)
	assert.Equal(t, 0, f.dialer.placedCount(), "без направления исходящая нога не создается")
}

func TestForwardResolverFailure(t *testing.T) {
	boom := errors.New("база недоступна")
	f := newEngineFixture(ResolverFunc(func(context.Context, *sip.Request) (*Destination, error) {
		return nil, boom
	}), time.Minute)
	txn := queuedTxn(t, "alice")

	err := f.engine.Forward(context.Background(), txn)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestForwardPlaceCallFailure(t *testing.T) {
	dest := &Destination{URI: sip.Uri{Scheme: "sip", User: "bob", Host: "gw.example.com"}}
	f := newEngineFixture(staticResolver(dest), time.Minute)
	f.dialer.placeErr = errors.New("транспорт недоступен")
	txn := queuedTxn(t, "alice")

	err := f.engine.Forward(context.Background(), txn)
	require.Error(t, err)

	assert.Equal(t, TxnAbandoned, txn.State())
	code, ok := f.sender.lastCode()
	require.True(t, ok)
	assert.Equal(t, sip.StatusTemporarilyUnavailable, code,
		"синхронный отказ создания ноги дает явный финальный ответ")
}

func TestForwardAnsweredAndBridged(t *testing.T) {
	dest := &Destination{URI: sip.Uri{Scheme: "sip", User: "bob", Host: "gw.example.com"}}
	f := newEngineFixture(staticResolver(dest), time.Minute)
	txn := queuedTxn(t, "alice")

	require.NoError(t, f.engine.Forward(context.Background(), txn))
	assert.Equal(t, TxnAwaitingAnswer, txn.State())

	f.dialer.answerAll()

	assert.Equal(t, TxnBridged, txn.State())
	assert.Equal(t, 1, f.bridger.bridgedCount())
	require.Len(t, f.sender.accepted, 1)
	assert.Equal(t, []byte("v=0\r\n"), f.sender.accepted[0],
		"входящая нога отвечается SDP исходящей стороны")
}

func TestForwardImmediateAnswer(t *testing.T) {
	// Финальный ответ приходит синхронно внутри PlaceCall: транзакция
	// все равно доходит до bridged, таймаут ожидания не взводится.
	dest := &Destination{URI: sip.Uri{Scheme: "sip", User: "bob", Host: "gw.example.com"}}
	f := newEngineFixture(staticResolver(dest), 50*time.Millisecond)
	f.dialer.answerSync = true
	txn := queuedTxn(t, "alice")

	require.NoError(t, f.engine.Forward(context.Background(), txn))

	assert.Equal(t, TxnBridged, txn.State())
	assert.True(t, txn.State().IsTerminal())
	assert.Equal(t, 1, f.bridger.bridgedCount())

	// Истечение бывшего таймаута ничего не меняет
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, TxnBridged, txn.State())
	assert.Equal(t, 1, f.bridger.bridgedCount())
	assert.Equal(t, 0, f.dialer.placed[0].closeCount())
}

func TestForwardAnsweredExactlyOnce(t *testing.T) {
	// Повторный вызов обработчика ответа (ретрансмиссия) не приводит
	// ко второму бриджу.
	dest := &Destination{URI: sip.Uri{Scheme: "sip", User: "bob", Host: "gw.example.com"}}
	f := newEngineFixture(staticResolver(dest), time.Minute)
	txn := queuedTxn(t, "alice")

	require.NoError(t, f.engine.Forward(context.Background(), txn))
	f.dialer.answerAll()
	f.dialer.answerAll()

	assert.Equal(t, 1, f.bridger.bridgedCount())
	assert.Equal(t, TxnBridged, txn.State())
}

func TestForwardLegEndedWithoutSession(t *testing.T) {
	// Исходящая нога получила финальный отказ: сессии нет, входящая
	// нога получает 480, нога закрывается.
	dest := &Destination{URI: sip.Uri{Scheme: "sip", User: "bob", Host: "gw.example.com"}}
	f := newEngineFixture(staticResolver(dest), time.Minute)
	f.dialer.sessionFor = nil
	txn := queuedTxn(t, "alice")

	require.NoError(t, f.engine.Forward(context.Background(), txn))
	f.dialer.answerAll()

	assert.Equal(t, TxnAbandoned, txn.State())
	code, ok := f.sender.lastCode()
	require.True(t, ok)
	assert.Equal(t, sip.StatusTemporarilyUnavailable, code)
	assert.Equal(t, 1, f.dialer.placed[0].closeCount())
	assert.Equal(t, 0, f.bridger.bridgedCount())
}

func TestForwardAnswerTimeout(t *testing.T) {
	// Исходящая нога молчит дольше таймаута: входящая получает 480,
	// нога закрывается, транзакция abandoned - утечек нет.
	dest := &Destination{URI: sip.Uri{Scheme: "sip", User: "bob", Host: "gw.example.com"}}
	f := newEngineFixture(staticResolver(dest), 50*time.Millisecond)
	txn := queuedTxn(t, "alice")

	require.NoError(t, f.engine.Forward(context.Background(), txn))

	require.Eventually(t, func() bool {
		return txn.State() == TxnAbandoned
	}, 2*time.Second, 10*time.Millisecond)

	code, ok := f.sender.lastCode()
	require.True(t, ok)
	assert.Equal(t, sip.StatusTemporarilyUnavailable, code)
	assert.Equal(t, 1, f.dialer.placed[0].closeCount())
}

func TestForwardTimeoutThenAnswerIgnored(t *testing.T) {
	// Запоздавший ответ после таймаута не производит второго
	// завершения: бридж не формируется, второй 480 не уходит.
	dest := &Destination{URI: sip.Uri{Scheme: "sip", User: "bob", Host: "gw.example.com"}}
	f := newEngineFixture(staticResolver(dest), 50*time.Millisecond)
	txn := queuedTxn(t, "alice")

	require.NoError(t, f.engine.Forward(context.Background(), txn))

	require.Eventually(t, func() bool {
		return txn.State() == TxnAbandoned
	}, 2*time.Second, 10*time.Millisecond)
	before := len(f.sender.sent())

	f.dialer.answerAll()

	assert.Equal(t, 0, f.bridger.bridgedCount())
	assert.Len(t, f.sender.sent(), before, "запоздавший ответ не порождает новых ответов")
}

func TestForwardBridgeFailure(t *testing.T) {
	// Бридж не сформирован после 200 OK: исходящая нога закрывается,
	// но второй финальный ответ на входящую не отправляется.
	dest := &Destination{URI: sip.Uri{Scheme: "sip", User: "bob", Host: "gw.example.com"}}
	f := newEngineFixture(staticResolver(dest), time.Minute)
	f.bridger.bridgeErr = errors.New("реестр переполнен")
	txn := queuedTxn(t, "alice")

	require.NoError(t, f.engine.Forward(context.Background(), txn))
	f.dialer.answerAll()

	assert.Equal(t, TxnAbandoned, txn.State())
	assert.Equal(t, 1, f.dialer.placed[0].closeCount())
	assert.Empty(t, f.sender.sent(), "после Accept финальные ответы через Respond не уходят")
}

func TestForwardAcceptFailure(t *testing.T) {
	dest := &Destination{URI: sip.Uri{Scheme: "sip", User: "bob", Host: "gw.example.com"}}
	f := newEngineFixture(staticResolver(dest), time.Minute)
	f.sender.acceptErr = errors.New("транзакция уже завершена")
	txn := queuedTxn(t, "alice")

	require.NoError(t, f.engine.Forward(context.Background(), txn))
	f.dialer.answerAll()

	assert.Equal(t, TxnAbandoned, txn.State())
	assert.Equal(t, 1, f.dialer.placed[0].closeCount())
	assert.Equal(t, 0, f.bridger.bridgedCount())
}
