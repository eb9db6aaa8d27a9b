package dispatch

import (
	"fmt"
	"time"
)

// Значения по умолчанию для конфигурации диспетчера.
const (
	// DefaultWorkers - количество воркеров пула по умолчанию
	DefaultWorkers = 4
	// DefaultQueueCapacity - предел очереди принятых транзакций
	DefaultQueueCapacity = 5
	// DefaultIdleWait - максимальное ожидание воркера на сигнале пробуждения.
	// Ограничивает latency остановки пула при пустой очереди.
	DefaultIdleWait = 10 * time.Second
	// DefaultAnswerTimeout - предел ожидания ответа исходящей ноги.
	// По истечении входящая нога получает 480 и транзакция завершается.
	DefaultAnswerTimeout = 30 * time.Second
)

// Config содержит конфигурацию диспетчера.
type Config struct {
	// Workers - количество параллельных воркеров
	Workers int
	// QueueCapacity - максимальная длина очереди принятых транзакций.
	// При превышении IntakeGate отвечает 480 без постановки в очередь.
	QueueCapacity int
	// IdleWait - ограниченное ожидание воркера при пустой очереди
	IdleWait time.Duration
	// AnswerTimeout - таймаут ожидания ответа исходящей ноги
	AnswerTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию со значениями по умолчанию.
func DefaultConfig() Config {
	return Config{
		Workers:       DefaultWorkers,
		QueueCapacity: DefaultQueueCapacity,
		IdleWait:      DefaultIdleWait,
		AnswerTimeout: DefaultAnswerTimeout,
	}
}

// withDefaults заполняет нулевые поля значениями по умолчанию.
func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.IdleWait == 0 {
		c.IdleWait = DefaultIdleWait
	}
	if c.AnswerTimeout == 0 {
		c.AnswerTimeout = DefaultAnswerTimeout
	}
	return c
}

// Validate проверяет корректность конфигурации.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("количество воркеров не может быть отрицательным: %d", c.Workers)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("предел очереди не может быть отрицательным: %d", c.QueueCapacity)
	}
	if c.IdleWait < 0 {
		return fmt.Errorf("IdleWait не может быть отрицательным: %s", c.IdleWait)
	}
	if c.AnswerTimeout < 0 {
		return fmt.Errorf("AnswerTimeout не может быть отрицательным: %s", c.AnswerTimeout)
	}
	return nil
}
