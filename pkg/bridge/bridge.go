// Package bridge реализует сигнальный реестр бриджей между входящей
// и исходящей ногами вызова.
//
// Реестр реализует контракт dispatch.Bridger: пара установленных
// сессий фиксируется как бридж, владение парой переходит к реестру.
// Когда одна из сторон завершается (BYE), реестр снимает пару с учета
// и завершает парную ногу через HangupFunc. Сведение медиа потоков
// остается за пределами этого пакета.
package bridge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/sipdispatch/pkg/dispatch"
)

// HangupFunc завершает ногу по идентификатору сессии. Реализуется
// транспортным слоем.
type HangupFunc func(sessionID string) error

// Pair - связанная пара сессий.
type Pair struct {
	// Inbound - сессия входящей ноги
	Inbound dispatch.Session
	// Outbound - сессия исходящей ноги
	Outbound dispatch.Session
	// CreatedAt - время формирования бриджа
	CreatedAt time.Time
}

// Registry - потокобезопасный реестр активных бриджей.
type Registry struct {
	mu sync.RWMutex
	// byLeg - пара по идентификатору любой из ее ног
	byLeg map[string]*Pair

	hangup HangupFunc

	bridgedTotal prometheus.Counter
	active       prometheus.Gauge
}

// NewRegistry создает реестр бриджей. hangup может быть nil - тогда
// парная нога при завершении не вешается, только снимается с учета.
// При reg == nil используется изолированный реестр метрик.
func NewRegistry(hangup HangupFunc, reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Registry{
		byLeg:  make(map[string]*Pair),
		hangup: hangup,
		bridgedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "bridge",
			Name:      "bridged_total",
			Help:      "Total number of bridges formed",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "bridge",
			Name:      "active",
			Help:      "Number of currently active bridges",
		}),
	}
}

// Bridge связывает две установленные сессии. Реализует dispatch.Bridger.
// Повторный бридж той же ноги - ошибка.
func (r *Registry) Bridge(inbound, outbound dispatch.Session) error {
	if inbound == nil || outbound == nil {
		return fmt.Errorf("бридж требует обе установленные сессии")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byLeg[inbound.ID()]; ok {
		return fmt.Errorf("сессия %s уже забриджена", inbound.ID())
	}
	if _, ok := r.byLeg[outbound.ID()]; ok {
		return fmt.Errorf("сессия %s уже забриджена", outbound.ID())
	}

	pair := &Pair{
		Inbound:   inbound,
		Outbound:  outbound,
		CreatedAt: time.Now(),
	}
	r.byLeg[inbound.ID()] = pair
	r.byLeg[outbound.ID()] = pair

	r.bridgedTotal.Inc()
	r.active.Set(float64(len(r.byLeg) / 2))

	slog.Info("бридж сформирован",
		slog.String("inbound", inbound.ID()),
		slog.String("outbound", outbound.ID()))
	return nil
}

// Peer возвращает парную сессию для указанной ноги.
func (r *Registry) Peer(sessionID string) (dispatch.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pair, ok := r.byLeg[sessionID]
	if !ok {
		return nil, false
	}
	if pair.Inbound.ID() == sessionID {
		return pair.Outbound, true
	}
	return pair.Inbound, true
}

// Release снимает бридж с учета по завершившейся ноге и завершает
// парную ногу. Регистрируется как обработчик завершения сессий у
// транспортного слоя. Вызов для несбридженной ноги - no-op.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	pair, ok := r.byLeg[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byLeg, pair.Inbound.ID())
	delete(r.byLeg, pair.Outbound.ID())
	r.active.Set(float64(len(r.byLeg) / 2))
	r.mu.Unlock()

	peer := pair.Inbound
	if pair.Inbound.ID() == sessionID {
		peer = pair.Outbound
	}

	slog.Info("бридж разобран",
		slog.String("ended", sessionID),
		slog.String("peer", peer.ID()),
		slog.Duration("lifetime", time.Since(pair.CreatedAt)))

	if r.hangup != nil {
		if err := r.hangup(peer.ID()); err != nil {
			slog.Error("не удалось завершить парную ногу",
				slog.Any("error", err),
				slog.String("session_id", peer.ID()))
		}
	}
}

// Len возвращает количество активных бриджей.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byLeg) / 2
}
