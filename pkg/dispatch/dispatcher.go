package dispatch

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
)

// Deps - внешние коллабораторы диспетчера.
type Deps struct {
	// Resolver - подключаемая политика выбора направления
	Resolver Resolver
	// Sender - транспортный контракт входящей ноги
	Sender ResponseSender
	// Dialer - создание исходящих ног
	Dialer Dialer
	// Bridger - внешняя подсистема бриджинга
	Bridger Bridger
	// Registerer - реестр Prometheus метрик, nil отключает экспорт
	Registerer prometheus.Registerer
}

func (d Deps) validate() error {
	if d.Resolver == nil {
		return fmt.Errorf("не задан Resolver")
	}
	if d.Sender == nil {
		return fmt.Errorf("не задан Sender")
	}
	if d.Dialer == nil {
		return fmt.Errorf("не задан Dialer")
	}
	if d.Bridger == nil {
		return fmt.Errorf("не задан Bridger")
	}
	return nil
}

// Dispatcher связывает гейт приема, очередь, пул воркеров и движок
// форвардинга и управляет их жизненным циклом.
type Dispatcher struct {
	cfg     Config
	queue   *workQueue
	gate    *IntakeGate
	engine  *ForwardingEngine
	pool    *WorkerPool
	metrics *Metrics
}

// New создает диспетчер с указанной конфигурацией и коллабораторами.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	metrics := NewMetrics(deps.Registerer)
	queue := newWorkQueue(cfg.QueueCapacity)
	engine := NewForwardingEngine(deps.Resolver, deps.Dialer, deps.Bridger, deps.Sender, cfg.AnswerTimeout, metrics)

	return &Dispatcher{
		cfg:     cfg,
		queue:   queue,
		gate:    NewIntakeGate(queue, deps.Sender, metrics),
		engine:  engine,
		pool:    NewWorkerPool(queue, engine, cfg.IdleWait, metrics),
		metrics: metrics,
	}, nil
}

// Start запускает пул воркеров.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx, d.cfg.Workers)
}

// Stop останавливает пул кооперативно. Идемпотентен.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

// Admit передает входящий запрос гейту приема. Регистрируется как
// обработчик INVITE у транспортного слоя.
func (d *Dispatcher) Admit(req *sip.Request, stx sip.ServerTransaction) Admission {
	return d.gate.Admit(req, stx)
}

// QueueLen возвращает текущую длину очереди.
func (d *Dispatcher) QueueLen() int {
	return d.queue.length()
}
