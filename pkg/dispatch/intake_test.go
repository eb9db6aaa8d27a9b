package dispatch

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(capacity int) (*IntakeGate, *workQueue, *stubSender) {
	queue := newWorkQueue(capacity)
	sender := &stubSender{}
	return NewIntakeGate(queue, sender, NewMetrics(nil)), queue, sender
}

func TestIntakeGateRejectsNonInvite(t *testing.T) {
	tests := []struct {
		name   string
		method sip.RequestMethod
	}{
		{name: "OPTIONS", method: sip.OPTIONS},
		{name: "REGISTER", method: sip.REGISTER},
		{name: "MESSAGE", method: sip.MESSAGE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, queue, sender := newGate(5)

			req := sip.NewRequest(tt.method, sip.Uri{Scheme: "sip", Host: "example.com"})
			adm := gate.Admit(req, nil)

			assert.False(t, adm.Accepted)
			assert.Equal(t, RejectUnsupportedMethod, adm.Reason)
			assert.Equal(t, 0, queue.length(), "не-INVITE не попадает в очередь")

			code, ok := sender.lastCode()
			require.True(t, ok)
			assert.Equal(t, sip.StatusMethodNotAllowed, code)
		})
	}
}

func TestIntakeGateAdmitsInvite(t *testing.T) {
	gate, queue, sender := newGate(5)

	adm := gate.Admit(newInvite("alice"), nil)

	require.True(t, adm.Accepted)
	require.NotNil(t, adm.Txn)
	assert.Equal(t, TxnQueued, adm.Txn.State())
	assert.Equal(t, 1, queue.length())

	code, ok := sender.lastCode()
	require.True(t, ok)
	assert.Equal(t, sip.StatusTrying, code, "принятый вызов получает провизорный ответ")

	// Сигнал пробуждения взведен
	select {
	case <-queue.wakeC():
	default:
		t.Fatal("прием должен взводить сигнал пробуждения")
	}
}

func TestIntakeGateOverload(t *testing.T) {
	// Емкость 2: два вызова принимаются, третий отклоняется с 480.
	gate, queue, sender := newGate(2)

	first := gate.Admit(newInvite("a"), nil)
	second := gate.Admit(newInvite("b"), nil)
	third := gate.Admit(newInvite("c"), nil)

	assert.True(t, first.Accepted)
	assert.True(t, second.Accepted)
	assert.False(t, third.Accepted)
	assert.Equal(t, RejectOverload, third.Reason)
	assert.Equal(t, 2, queue.length())

	codes := sender.codes()
	require.Len(t, codes, 3)
	assert.Equal(t, sip.StatusTrying, codes[0])
	assert.Equal(t, sip.StatusTrying, codes[1])
	assert.Equal(t, sip.StatusTemporarilyUnavailable, codes[2])
}

func TestIntakeGateProvisionalBeforePublish(t *testing.T) {
	// В момент отправки 100 Trying транзакция еще не видна воркерам:
	// финальный ответ форвардинга не может обогнать провизорный.
	gate, queue, sender := newGate(5)

	var visibleAtTrying bool
	sender.onRespond = func(code int) {
		if code == sip.StatusTrying {
			_, visibleAtTrying = queue.tryDequeue()
		}
	}

	adm := gate.Admit(newInvite("alice"), nil)

	require.True(t, adm.Accepted)
	assert.False(t, visibleAtTrying, "транзакция опубликована до провизорного ответа")
	assert.Equal(t, 1, queue.length())
}

func TestIntakeGateReservedSlotCountsTowardCapacity(t *testing.T) {
	// Зарезервированное, но еще не опубликованное место учитывается
	// в емкости: конкурентный Admit не превышает предел.
	gate, queue, sender := newGate(1)

	var rejectedDuringTrying Admission
	sender.onRespond = func(code int) {
		if code == sip.StatusTrying {
			rejectedDuringTrying = gate.Admit(newInvite("late"), nil)
		}
	}

	adm := gate.Admit(newInvite("alice"), nil)

	require.True(t, adm.Accepted)
	assert.False(t, rejectedDuringTrying.Accepted)
	assert.Equal(t, RejectOverload, rejectedDuringTrying.Reason)
	assert.Equal(t, 1, queue.length())
}

func TestIntakeGateExactlyOneResponsePerAdmit(t *testing.T) {
	gate, _, sender := newGate(1)

	gate.Admit(newInvite("a"), nil)
	gate.Admit(newInvite("b"), nil)
	gate.Admit(sip.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: "example.com"}), nil)

	// Ровно один ответ на каждый Admit независимо от исхода
	assert.Len(t, sender.sent(), 3)
}
