package dispatch

import "sync"

// workQueue - ограниченная потокобезопасная FIFO очередь принятых
// транзакций с сигналом пробуждения для простаивающих воркеров.
//
// Сигнал одноразовый с автосбросом: enqueue взводит его, если никто
// не заблокирован - сигнал защелкивается и потребляется следующим
// ожидающим. Очередь не хранит состояния воркеров; dequeue имеет
// неблокирующую try-семантику и используется воркерами внутри их
// собственного poll-цикла.
type workQueue struct {
	mu       sync.Mutex
	items    []*InboundTransaction
	capacity int

	// reserved - места, занятые между reserve и commit
	reserved int

	// wake - защелкивающийся сигнал (буфер 1)
	wake chan struct{}
}

func newWorkQueue(capacity int) *workQueue {
	return &workQueue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// enqueue добавляет транзакцию в хвост очереди. Возвращает false если
// очередь заполнена - проверка и вставка атомарны, гонка между
// конкурентными Admit исключена.
func (q *workQueue) enqueue(txn *InboundTransaction) bool {
	q.mu.Lock()
	if len(q.items)+q.reserved >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, txn)
	q.mu.Unlock()
	return true
}

// reserve атомарно занимает место в очереди без публикации
// транзакции. Возвращает false если мест нет. Пара reserve/commit
// позволяет гейту отправить провизорный ответ до того, как
// транзакция станет видна воркерам.
func (q *workQueue) reserve() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items)+q.reserved >= q.capacity {
		return false
	}
	q.reserved++
	return true
}

// commit публикует транзакцию на зарезервированное место.
func (q *workQueue) commit(txn *InboundTransaction) {
	q.mu.Lock()
	q.reserved--
	q.items = append(q.items, txn)
	q.mu.Unlock()
}

// tryDequeue снимает транзакцию с головы очереди без блокировки.
func (q *workQueue) tryDequeue() (*InboundTransaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	txn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return txn, true
}

// length возвращает текущую длину очереди.
func (q *workQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// signal взводит сигнал пробуждения. Будит ровно одного
// заблокированного воркера; если взведен - no-op.
func (q *workQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// wakeC возвращает канал сигнала для ограниченного ожидания воркера.
func (q *workQueue) wakeC() <-chan struct{} {
	return q.wake
}
