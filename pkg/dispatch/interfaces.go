package dispatch

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// Destination описывает разрезолвленное направление форвардинга.
type Destination struct {
	// URI - SIP URI направления (Request-URI исходящего INVITE)
	URI sip.Uri
	// DisplayName - отображаемое имя для заголовка To
	DisplayName string
	// Transport - транспорт исходящей ноги (udp/tcp/ws), пустое значение
	// означает udp
	Transport string
}

// Resolver определяет подключаемую политику выбора направления.
//
// Реализации находятся вне ядра (см. пакет routing). Resolve может
// блокироваться (обращение к БД, HTTP API) - вызов выполняется на
// горутине воркера и замедляет только его.
type Resolver interface {
	// Resolve возвращает направление для принятого запроса.
	// Отсутствие направления сигнализируется ошибкой ErrNoRoute.
	Resolve(ctx context.Context, req *sip.Request) (*Destination, error)
}

// ResolverFunc адаптирует функцию к интерфейсу Resolver.
type ResolverFunc func(ctx context.Context, req *sip.Request) (*Destination, error)

// Resolve реализует интерфейс Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, req *sip.Request) (*Destination, error) {
	return f(ctx, req)
}

// Session представляет установленную сессию одной ноги вызова.
type Session interface {
	// ID возвращает уникальный идентификатор сессии
	ID() string
	// CallID возвращает Call-ID ноги
	CallID() string
	// RemoteURI возвращает URI удаленной стороны
	RemoteURI() sip.Uri
	// SDP возвращает описание сессии удаленной стороны
	SDP() []byte
}

// OutboundLeg представляет исходящую ногу вызова, созданную Dialer.
type OutboundLeg interface {
	// ID возвращает идентификатор ноги
	ID() string
	// Session возвращает установленную сессию ноги. Второе значение
	// false пока нога не отвечена или если она завершилась без
	// установления сессии.
	Session() (Session, bool)
	// Close завершает ногу: CANCEL до финального ответа, BYE после
	// установления сессии. Идемпотентен.
	Close() error
}

// AnswerFunc - обработчик завершения ответа исходящей ноги.
//
// Вызывается механизмом транзакций самой исходящей ноги, не горутиной
// воркера. Регистрируется до отправки INVITE, поэтому гонка между
// ответом и регистрацией обработчика исключена. Вызывается ровно один
// раз: либо с установленной сессией, либо без нее (отказ, таймаут
// транзакции).
type AnswerFunc func(leg OutboundLeg)

// Dialer создает исходящие ноги вызова. Реализуется транспортным слоем.
type Dialer interface {
	// PlaceCall отправляет INVITE на направление с указанным SDP offer
	// и возвращает исходящую ногу. Ответ асинхронен: onAnswer будет
	// вызван когда нога получит финальный ответ.
	PlaceCall(ctx context.Context, dest *Destination, offer []byte, onAnswer AnswerFunc) (OutboundLeg, error)
}

// ResponseSender - транспортный контракт входящей ноги.
//
// Реализуется транспортным слоем (см. пакет stack). Ядро диспетчера
// никогда не формирует SIP сообщения само.
type ResponseSender interface {
	// Respond отправляет ответ с указанным кодом на входящую транзакцию.
	Respond(txn *InboundTransaction, code int, reason string) error

	// Accept отвечает 200 OK с переданным SDP answer и возвращает
	// установленную сессию входящей ноги.
	Accept(txn *InboundTransaction, answerSDP []byte) (Session, error)
}

// Bridger связывает две установленные сессии. Реализуется внешней
// подсистемой бриджинга (см. пакет bridge); владение парой переходит
// к ней после успешного вызова Bridge.
type Bridger interface {
	Bridge(inbound, outbound Session) error
}
