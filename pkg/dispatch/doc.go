// Package dispatch реализует ядро B2BUA диспетчера входящих вызовов.
//
// Диспетчер принимает входящие INVITE транзакции, выполняет контроль
// перегрузки на границе приема, ставит принятые транзакции в ограниченную
// FIFO очередь и обрабатывает их фиксированным пулом воркеров. Для каждой
// транзакции воркер резолвит направление через подключаемый Resolver,
// создает исходящую ногу вызова через Dialer и, когда исходящая нога
// отвечена и сессия установлена, связывает обе ноги через Bridger.
//
// Основные компоненты:
//   - IntakeGate - валидация и admission control входящих запросов
//   - workQueue - ограниченная FIFO очередь с сигналом пробуждения
//   - WorkerPool - пул воркеров с кооперативной остановкой
//   - ForwardingEngine - логика форвардинга одной транзакции
//   - Dispatcher - управление жизненным циклом всех компонентов
//
// Транспортный слой (прием/отправка SIP сообщений), реализация резолвера
// и механика бриджинга диалогов являются внешними коллабораторами и
// подключаются через узкие интерфейсы (ResponseSender, Resolver, Dialer,
// Bridger) при конструировании Dispatcher.
//
// Гарантии конкурентности:
//   - транзакция обрабатывается ровно одним воркером и никогда не
//     возвращается в очередь
//   - бридж формируется только когда обе ноги достигли established
//   - остановка кооперативная, latency ограничена IdleWait
package dispatch
