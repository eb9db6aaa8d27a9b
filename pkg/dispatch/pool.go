package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Forwarder выполняет форвардинг одной транзакции. Реализуется
// ForwardingEngine; выделен в интерфейс для тестирования пула.
type Forwarder interface {
	Forward(ctx context.Context, txn *InboundTransaction) error
}

// ForwarderFunc адаптирует функцию к интерфейсу Forwarder.
type ForwarderFunc func(ctx context.Context, txn *InboundTransaction) error

// Forward реализует интерфейс Forwarder.
func (f ForwarderFunc) Forward(ctx context.Context, txn *InboundTransaction) error {
	return f(ctx, txn)
}

// WorkerPool - фиксированный набор воркеров, разбирающих очередь.
//
// Каждый воркер крутит идентичный цикл: попытка снять транзакцию,
// при успехе - форвардинг внутри изолирующей границы (паника при
// обработке одной транзакции не валит воркера и не влияет на другие
// транзакции), при пустой очереди - ограниченное ожидание на сигнале
// пробуждения, чтобы запрос остановки был замечен и без новых вызовов.
//
// Остановка кооперативная: воркеры наблюдают отмену контекста в начале
// итерации или по истечении ожидания, latency остановки ограничена
// idleWait. Перехвата работы нет: снятая транзакция - ответственность
// снявшего воркера до терминального состояния.
type WorkerPool struct {
	queue    *workQueue
	engine   Forwarder
	idleWait time.Duration
	metrics  *Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool

	wg sync.WaitGroup
}

// NewWorkerPool создает пул поверх очереди и движка форвардинга.
func NewWorkerPool(queue *workQueue, engine Forwarder, idleWait time.Duration, metrics *Metrics) *WorkerPool {
	if idleWait <= 0 {
		idleWait = DefaultIdleWait
	}
	return &WorkerPool{
		queue:    queue,
		engine:   engine,
		idleWait: idleWait,
		metrics:  metrics,
	}
}

// Start запускает workerCount воркеров. Повторный запуск - ошибка.
func (p *WorkerPool) Start(ctx context.Context, workerCount int) error {
	if workerCount <= 0 {
		workerCount = DefaultWorkers
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	p.mu.Unlock()

	slog.Info("запуск пула воркеров",
		slog.Int("workers", workerCount),
		slog.Duration("idle_wait", p.idleWait))

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return nil
}

// Stop останавливает пул кооперативно и ждет завершения воркеров.
// Идемпотентен: повторные вызовы эквивалентны одному. Вызов до
// Start - no-op, последующий Start/Stop работает как обычно.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	slog.Info("пул воркеров остановлен")
}

// worker - цикл одного воркера.
func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	timer := time.NewTimer(p.idleWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		txn, ok := p.queue.tryDequeue()
		if ok {
			p.metrics.Dequeued(p.queue.length(), time.Since(txn.AdmittedAt()))
			p.runOne(ctx, id, txn)
			continue
		}

		// Очередь пуста: ограниченное ожидание сигнала. Таймаут
		// гарантирует наблюдение остановки без новых вызовов.
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.idleWait)

		select {
		case <-ctx.Done():
			return
		case <-p.queue.wakeC():
		case <-timer.C:
		}
	}
}

// runOne выполняет форвардинг одной транзакции внутри изолирующей
// границы. Сбой логируется, воркер продолжает обслуживать очередь.
func (p *WorkerPool) runOne(ctx context.Context, workerID int, txn *InboundTransaction) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.Fault()
			slog.Error("паника при форвардинге транзакции",
				slog.Int("worker", workerID),
				slog.String("txn_id", txn.ID()),
				slog.String("call_id", txn.CallIDValue()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	started := time.Now()
	if err := p.engine.Forward(ctx, txn); err != nil {
		p.metrics.Fault()
		slog.Error("форвардинг завершился ошибкой",
			slog.Int("worker", workerID),
			slog.String("txn_id", txn.ID()),
			slog.String("call_id", txn.CallIDValue()),
			slog.Any("error", err))
	}
	p.metrics.Forwarded(time.Since(started))
}
